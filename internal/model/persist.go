package model

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/checkpoint"
	"github.com/raaihank/fusion-encoder/internal/network"
	"github.com/raaihank/fusion-encoder/internal/scaler"
)

// Save writes the network parameters and scaler statistics to path
// atomically.
func (m *Model) Save(ctx context.Context, path string) error {
	data, err := m.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if err := checkpoint.WriteFile(path, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	m.logger.Info("Checkpoint saved", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

// Load replaces the network and scaler statistics with the checkpoint at
// path. On any error the model is left unchanged.
func (m *Model) Load(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	data, err := checkpoint.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := m.Restore(ctx, data); err != nil {
		return err
	}
	m.logger.Info("Checkpoint loaded", zap.String("path", path))
	return nil
}

// SaveTo stores the checkpoint under name in store.
func (m *Model) SaveTo(ctx context.Context, store checkpoint.Store, name string) error {
	data, err := m.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	m.logger.Info("Checkpoint stored", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

// LoadFrom restores the checkpoint stored under name.
func (m *Model) LoadFrom(ctx context.Context, store checkpoint.Store, name string) error {
	data, err := store.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := m.Restore(ctx, data); err != nil {
		return err
	}
	m.logger.Info("Checkpoint restored", zap.String("name", name))
	return nil
}

// Checkpoint encodes the current state as a container.
func (m *Model) Checkpoint(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	m.mu.RLock()
	net, stats := m.net, m.stats
	m.mu.RUnlock()

	params, err := net.MarshalParams()
	if err != nil {
		return nil, fmt.Errorf("%w: encode network: %w", ErrPersistence, err)
	}

	data, err := checkpoint.Marshal(&checkpoint.Checkpoint{
		Manifest: checkpoint.Manifest{
			ModelID:      m.config.ModelID,
			EncoderDim:   m.encoder.Dimensions(),
			NumericalDim: m.config.NumericalFeatures,
			LayerWidths:  net.Widths(),
			Dropout:      net.Dropout(),
			ScalerMode:   string(m.config.ScalerMode),
			CreatedAt:    time.Now().UTC(),
		},
		NetworkParams: params,
		ScalerStats:   stats,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return data, nil
}

// Restore decodes data, checks it against the model architecture and swaps
// in the new network and statistics together.
func (m *Model) Restore(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	cp, err := checkpoint.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("%w: decode checkpoint: %w", ErrPersistence, err)
	}
	net, err := m.validate(cp)
	if err != nil {
		return fmt.Errorf("%w: incompatible checkpoint: %w", ErrPersistence, err)
	}

	if cp.Manifest.ModelID != m.config.ModelID {
		m.logger.Warn("Checkpoint was written for a different encoder",
			zap.String("checkpoint_model", cp.Manifest.ModelID),
			zap.String("model", m.config.ModelID))
	}

	m.mu.Lock()
	m.net = net
	m.stats = cp.ScalerStats
	m.mu.Unlock()
	return nil
}

func (m *Model) validate(cp *checkpoint.Checkpoint) (*network.FeedForward, error) {
	if cp.Manifest.EncoderDim != m.encoder.Dimensions() {
		return nil, fmt.Errorf("encoder width %d, model has %d", cp.Manifest.EncoderDim, m.encoder.Dimensions())
	}
	if cp.Manifest.NumericalDim != m.config.NumericalFeatures {
		return nil, fmt.Errorf("numerical width %d, model has %d", cp.Manifest.NumericalDim, m.config.NumericalFeatures)
	}

	m.mu.RLock()
	want := m.net.Widths()
	m.mu.RUnlock()
	if !slices.Equal(cp.Manifest.LayerWidths, want) {
		return nil, fmt.Errorf("layer widths %v, model has %v", cp.Manifest.LayerWidths, want)
	}

	net, err := network.UnmarshalParams(cp.NetworkParams)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(net.Widths(), want) {
		return nil, fmt.Errorf("parameter widths %v, manifest has %v", net.Widths(), cp.Manifest.LayerWidths)
	}
	if cp.ScalerStats != nil && cp.ScalerStats.Width() != m.config.NumericalFeatures {
		return nil, fmt.Errorf("%w: width %d", scaler.ErrWidthMismatch, cp.ScalerStats.Width())
	}
	return net, nil
}
