package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Encoder defines a pluggable backend for transformer inference.
// Implementations may use ONNX Runtime or a deterministic stand-in.
type Encoder interface {
	// Encode runs inference for one tokenized input and returns one hidden
	// state per token (or a single pooled row) of length Dimensions().
	Encode(ctx context.Context, input *TokenizedInput) ([][]float32, error)
	// Dimensions returns the hidden size.
	Dimensions() int
	// IsReady returns whether the backend is initialized and ready.
	IsReady() bool
	// Close releases any native resources.
	Close() error
}

// TextEncoder turns text into a single mean-pooled vector.
type TextEncoder struct {
	tokenizer *Tokenizer
	backend   Encoder
	timeout   time.Duration
	logger    *zap.Logger
	stats     *Stats
	mu        sync.RWMutex
}

// NewTextEncoder wires a tokenizer to an inference backend. A zero timeout
// disables the per-call deadline.
func NewTextEncoder(tokenizer *Tokenizer, backend Encoder, timeout time.Duration, logger *zap.Logger) (*TextEncoder, error) {
	if tokenizer == nil {
		return nil, fmt.Errorf("%w: tokenizer is nil", ErrModelNotLoaded)
	}
	if backend == nil || !backend.IsReady() {
		return nil, fmt.Errorf("%w: encoder backend not ready", ErrModelNotLoaded)
	}

	return &TextEncoder{
		tokenizer: tokenizer,
		backend:   backend,
		timeout:   timeout,
		logger:    logger,
		stats:     &Stats{StartTime: time.Now()},
	}, nil
}

// Encode tokenizes text, runs the backend without gradient state and
// mean-pools token vectors over the attention mask.
func (e *TextEncoder) Encode(ctx context.Context, text string) (*EncodeResult, error) {
	start := time.Now()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		e.updateStats(0, time.Since(start), false)
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	default:
	}

	tokens := e.tokenizer.Tokenize(text)

	hidden, err := e.backend.Encode(ctx, tokens)
	if err != nil {
		e.updateStats(tokens.Length, time.Since(start), false)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}

	vector, err := MeanPool(hidden, tokens.AttentionMask, e.backend.Dimensions())
	if err != nil {
		e.updateStats(tokens.Length, time.Since(start), false)
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}

	duration := time.Since(start)
	e.updateStats(tokens.Length, duration, true)

	e.logger.Debug("Text encoded",
		zap.Int("tokens", tokens.Length),
		zap.Bool("truncated", tokens.Truncated),
		zap.Duration("duration", duration))

	return &EncodeResult{
		Vector:     vector,
		TokenCount: tokens.Length,
		Truncated:  tokens.Truncated,
		Duration:   duration,
	}, nil
}

// Dimensions returns the width of encoded vectors.
func (e *TextEncoder) Dimensions() int {
	return e.backend.Dimensions()
}

// Tokenizer exposes the underlying tokenizer.
func (e *TextEncoder) Tokenizer() *Tokenizer {
	return e.tokenizer
}

// Stats returns a copy of the encoder statistics.
func (e *TextEncoder) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *e.stats
}

// Close releases the backend.
func (e *TextEncoder) Close() error {
	return e.backend.Close()
}

func (e *TextEncoder) updateStats(tokens int, duration time.Duration, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalInferences++
	e.stats.TotalTokens += int64(tokens)
	e.stats.LastInferenceTime = time.Now()

	if success {
		e.stats.SuccessfulRuns++
		total := time.Duration(e.stats.SuccessfulRuns-1)*e.stats.AvgInferenceTime + duration
		e.stats.AvgInferenceTime = total / time.Duration(e.stats.SuccessfulRuns)
	} else {
		e.stats.FailedRuns++
	}

	e.stats.ErrorRate = float64(e.stats.FailedRuns) / float64(e.stats.TotalInferences)
	e.stats.AvgTokensPerText = float64(e.stats.TotalTokens) / float64(e.stats.TotalInferences)
}

// MeanPool averages token vectors whose attention mask is set. A single row
// is treated as an already pooled output.
func MeanPool(hidden [][]float32, mask []int32, dims int) ([]float64, error) {
	if len(hidden) == 0 {
		return nil, fmt.Errorf("encoder returned no hidden states")
	}

	pooled := make([]float64, dims)

	if len(hidden) == 1 {
		if len(hidden[0]) != dims {
			return nil, fmt.Errorf("unexpected hidden dims %d (want %d)", len(hidden[0]), dims)
		}
		for d, v := range hidden[0] {
			pooled[d] = float64(v)
		}
		return pooled, nil
	}

	if len(mask) != len(hidden) {
		return nil, fmt.Errorf("attention mask length %d does not match sequence length %d", len(mask), len(hidden))
	}

	count := 0
	for s, row := range hidden {
		if mask[s] == 0 {
			continue
		}
		if len(row) != dims {
			return nil, fmt.Errorf("unexpected hidden dims %d (want %d)", len(row), dims)
		}
		for d, v := range row {
			pooled[d] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil, fmt.Errorf("attention mask selects no tokens")
	}

	inv := 1.0 / float64(count)
	for d := range pooled {
		pooled[d] *= inv
	}
	return pooled, nil
}
