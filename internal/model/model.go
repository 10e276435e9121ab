// Package model fuses a pretrained text encoder, a numerical feature scaler
// and a feed-forward head into one inference and persistence facade.
package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/encoder"
	"github.com/raaihank/fusion-encoder/internal/network"
	"github.com/raaihank/fusion-encoder/internal/scaler"
)

// Model is safe for concurrent use. The network and the scaler statistics
// are replaced as whole values, never mutated in place.
type Model struct {
	config  Config
	encoder *encoder.TextEncoder
	logger  *zap.Logger

	mu    sync.RWMutex
	net   *network.FeedForward
	stats *scaler.Stats // last fitted or loaded; nil until the first fit
}

// New resolves the pretrained artifacts for config.ModelID and builds a
// freshly initialized network of width encoder+F -> hidden... -> output.
func New(ctx context.Context, config Config, resolver encoder.Resolver, logger *zap.Logger) (*Model, error) {
	config = withDefaults(config)
	if config.NumericalFeatures <= 0 {
		return nil, fmt.Errorf("%w: numerical_features must be positive, got %d", ErrInitialization, config.NumericalFeatures)
	}
	if config.ScalerMode != scaler.ModeRefit && config.ScalerMode != scaler.ModeFrozen {
		return nil, fmt.Errorf("%w: unknown scaler mode %q", ErrInitialization, config.ScalerMode)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: no artifact resolver", ErrInitialization)
	}

	start := time.Now()
	tokenizer, backend, err := resolver.Resolve(ctx, config.ModelID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrInitialization, config.ModelID, err)
	}

	textEncoder, err := encoder.NewTextEncoder(tokenizer, backend, config.Timeout, logger)
	if err != nil {
		if backend != nil {
			backend.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	net, err := network.New(network.Config{
		InputDim:  textEncoder.Dimensions() + config.NumericalFeatures,
		Hidden:    config.HiddenSizes,
		OutputDim: config.OutputDim,
		Dropout:   config.Dropout,
		Seed:      config.Seed,
	})
	if err != nil {
		textEncoder.Close()
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	logger.Info("Fusion model initialized",
		zap.String("model", config.ModelID),
		zap.Ints("layer_widths", net.Widths()),
		zap.String("scaler_mode", string(config.ScalerMode)),
		zap.Duration("init_time", time.Since(start)))

	return &Model{
		config:  config,
		encoder: textEncoder,
		logger:  logger,
		net:     net,
	}, nil
}

func withDefaults(config Config) Config {
	defaults := DefaultConfig()
	if config.ModelID == "" {
		config.ModelID = defaults.ModelID
	}
	if config.HiddenSizes == nil {
		config.HiddenSizes = defaults.HiddenSizes
	}
	if config.OutputDim == 0 {
		config.OutputDim = defaults.OutputDim
	}
	if config.ScalerMode == "" {
		config.ScalerMode = defaults.ScalerMode
	}
	return config
}

// EncodeText returns the mean-pooled encoder vector for text.
func (m *Model) EncodeText(ctx context.Context, text string) ([]float64, error) {
	res, err := m.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	return res.Vector, nil
}

// Encode is EncodeText with token count and truncation details.
func (m *Model) Encode(ctx context.Context, text string) (*encoder.EncodeResult, error) {
	res, err := m.encoder.Encode(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: encode text: %w", ErrCompute, err)
	}
	return res, nil
}

// NormalizeNumerical fits a scaler on batch and returns the standardized
// batch with the fitted statistics. The statistics become the model's last
// fitted state.
func (m *Model) NormalizeNumerical(ctx context.Context, batch [][]float64) ([][]float64, *scaler.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCompute, err)
	}
	if err := m.checkWidth(batch); err != nil {
		return nil, nil, err
	}

	normalized, stats, err := scaler.FitTransform(batch)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: normalize: %w", ErrCompute, err)
	}
	m.recordStats(stats)
	return normalized, stats.Clone(), nil
}

// Forward encodes text once and fuses it with every row of batch.
func (m *Model) Forward(ctx context.Context, text string, batch [][]float64) (*Output, error) {
	net, frozen := m.snapshot()

	textVec, err := m.EncodeText(ctx, text)
	if err != nil {
		return nil, err
	}
	normalized, err := m.normalize(batch, frozen)
	if err != nil {
		return nil, err
	}

	fused := make([][]float64, len(normalized))
	for i, row := range normalized {
		fused[i] = concat(textVec, row)
	}
	embeddings, err := net.ForwardRows(fused)
	if err != nil {
		return nil, fmt.Errorf("%w: network: %w", ErrCompute, err)
	}

	return &Output{
		Embeddings:        embeddings,
		TextFeatures:      textVec,
		NumericalFeatures: normalized,
	}, nil
}

// ForwardBatch pairs texts[i] with batch[i]. The scaler is fit over the
// whole batch.
func (m *Model) ForwardBatch(ctx context.Context, texts []string, batch [][]float64) (*BatchOutput, error) {
	if len(texts) != len(batch) {
		return nil, fmt.Errorf("%w: %d texts for %d numerical rows", ErrCompute, len(texts), len(batch))
	}
	net, frozen := m.snapshot()

	normalized, err := m.normalize(batch, frozen)
	if err != nil {
		return nil, err
	}

	textVecs := make([][]float64, len(texts))
	fused := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := m.EncodeText(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		textVecs[i] = vec
		fused[i] = concat(vec, normalized[i])
	}

	embeddings, err := net.ForwardRows(fused)
	if err != nil {
		return nil, fmt.Errorf("%w: network: %w", ErrCompute, err)
	}

	return &BatchOutput{
		Embeddings:        embeddings,
		TextFeatures:      textVecs,
		NumericalFeatures: normalized,
	}, nil
}

// normalize applies frozen statistics when given, otherwise fits on batch.
func (m *Model) normalize(batch [][]float64, frozen *scaler.Stats) ([][]float64, error) {
	if err := m.checkWidth(batch); err != nil {
		return nil, err
	}

	if frozen != nil {
		out, err := scaler.Transform(batch, frozen)
		if err != nil {
			return nil, fmt.Errorf("%w: normalize: %w", ErrCompute, err)
		}
		return out, nil
	}

	out, stats, err := scaler.FitTransform(batch)
	if err != nil {
		return nil, fmt.Errorf("%w: normalize: %w", ErrCompute, err)
	}
	m.recordStats(stats)
	return out, nil
}

func (m *Model) checkWidth(batch [][]float64) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: %w", ErrCompute, scaler.ErrEmptyBatch)
	}
	for i, row := range batch {
		if len(row) != m.config.NumericalFeatures {
			return fmt.Errorf("%w: row %d has %d numerical features, want %d",
				ErrCompute, i, len(row), m.config.NumericalFeatures)
		}
	}
	return nil
}

// snapshot returns the current network and, in frozen mode, the statistics
// to transform with.
func (m *Model) snapshot() (*network.FeedForward, *scaler.Stats) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config.ScalerMode == scaler.ModeFrozen {
		return m.net, m.stats
	}
	return m.net, nil
}

func (m *Model) recordStats(stats *scaler.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.ScalerMode == scaler.ModeFrozen && m.stats != nil {
		return
	}
	m.stats = stats
}

// ScalerStats returns a copy of the last fitted or loaded statistics, or nil.
func (m *Model) ScalerStats() *scaler.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.Clone()
}

// Info describes the model architecture and encoder statistics.
func (m *Model) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		ModelID:      m.config.ModelID,
		EncoderDim:   m.encoder.Dimensions(),
		NumericalDim: m.config.NumericalFeatures,
		LayerWidths:  m.net.Widths(),
		Dropout:      m.net.Dropout(),
		ScalerMode:   m.config.ScalerMode,
		ScalerFitted: m.stats != nil,
		Encoder:      m.encoder.Stats(),
	}
}

// Close releases the encoder backend.
func (m *Model) Close() error {
	return m.encoder.Close()
}

func concat(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
