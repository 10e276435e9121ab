// Package scaler standardizes numerical feature batches to zero mean and unit
// variance per column.
package scaler

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mode selects how the facade obtains statistics for a batch.
type Mode string

const (
	// ModeRefit fits fresh statistics on every batch.
	ModeRefit Mode = "refit"

	// ModeFrozen reuses loaded or last fitted statistics when they exist.
	ModeFrozen Mode = "frozen"
)

// Column scales below this threshold are treated as constant.
const minScale = 10 * 2.220446049250313e-16

var (
	ErrEmptyBatch    = errors.New("numerical batch is empty")
	ErrRaggedBatch   = errors.New("numerical batch rows have different widths")
	ErrWidthMismatch = errors.New("numerical batch width does not match statistics")
	ErrNonFinite     = errors.New("numerical batch contains NaN or Inf")
	ErrInvalidStats  = errors.New("invalid scaler statistics")
	ErrOverflow      = errors.New("numerical column variance overflows float64")
)

// Stats holds per-column statistics of a fitted scaler. Variance is the
// population variance.
type Stats struct {
	Mean     []float64 `json:"mean"`
	Variance []float64 `json:"variance"`
	Scale    []float64 `json:"scale"`
	Samples  int       `json:"samples"`
}

// Width returns the number of columns the statistics cover.
func (s *Stats) Width() int {
	if s == nil {
		return 0
	}
	return len(s.Mean)
}

// Validate checks that the statistics are internally consistent.
func (s *Stats) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil", ErrInvalidStats)
	}
	w := len(s.Mean)
	if w == 0 || len(s.Variance) != w || len(s.Scale) != w {
		return fmt.Errorf("%w: mean=%d variance=%d scale=%d", ErrInvalidStats, len(s.Mean), len(s.Variance), len(s.Scale))
	}
	if s.Samples <= 0 {
		return fmt.Errorf("%w: samples=%d", ErrInvalidStats, s.Samples)
	}
	for i := 0; i < w; i++ {
		if !finite(s.Mean[i]) || !finite(s.Variance[i]) || s.Variance[i] < 0 {
			return fmt.Errorf("%w: column %d", ErrInvalidStats, i)
		}
		if !finite(s.Scale[i]) || s.Scale[i] <= 0 {
			return fmt.Errorf("%w: column %d scale %v", ErrInvalidStats, i, s.Scale[i])
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *Stats) Clone() *Stats {
	if s == nil {
		return nil
	}
	return &Stats{
		Mean:     append([]float64(nil), s.Mean...),
		Variance: append([]float64(nil), s.Variance...),
		Scale:    append([]float64(nil), s.Scale...),
		Samples:  s.Samples,
	}
}

// Fit computes column statistics for batch.
func Fit(batch [][]float64) (*Stats, error) {
	width, err := checkBatch(batch)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Mean:     make([]float64, width),
		Variance: make([]float64, width),
		Scale:    make([]float64, width),
		Samples:  len(batch),
	}

	column := make([]float64, len(batch))
	for j := 0; j < width; j++ {
		// Moments are taken on the column divided by a power of two near its
		// max-abs, which is exact and keeps squares of large values finite.
		var maxAbs float64
		for _, row := range batch {
			maxAbs = math.Max(maxAbs, math.Abs(row[j]))
		}
		_, exp := math.Frexp(maxAbs)
		for i, row := range batch {
			column[i] = math.Ldexp(row[j], -exp)
		}

		mean, variance := stat.PopMeanVariance(column, nil)
		if variance < 0 || math.IsNaN(variance) {
			variance = 0
		}
		stats.Mean[j] = math.Ldexp(mean, exp)
		stats.Variance[j] = math.Ldexp(variance, 2*exp)
		if math.IsInf(stats.Variance[j], 0) {
			return nil, fmt.Errorf("%w: column %d", ErrOverflow, j)
		}
		stats.Scale[j] = scaleFor(math.Ldexp(math.Sqrt(variance), exp))
	}
	return stats, nil
}

// Transform standardizes batch with stats and returns a new batch.
func Transform(batch [][]float64, stats *Stats) ([][]float64, error) {
	if err := stats.Validate(); err != nil {
		return nil, err
	}
	width, err := checkBatch(batch)
	if err != nil {
		return nil, err
	}
	if width != stats.Width() {
		return nil, fmt.Errorf("%w: got %d columns, want %d", ErrWidthMismatch, width, stats.Width())
	}

	out := make([][]float64, len(batch))
	for i, row := range batch {
		scaled := make([]float64, width)
		for j, v := range row {
			scaled[j] = (v - stats.Mean[j]) / stats.Scale[j]
		}
		out[i] = scaled
	}
	return out, nil
}

// FitTransform fits statistics on batch and standardizes it with them. It
// reads no shared state.
func FitTransform(batch [][]float64) ([][]float64, *Stats, error) {
	stats, err := Fit(batch)
	if err != nil {
		return nil, nil, err
	}
	out, err := Transform(batch, stats)
	if err != nil {
		return nil, nil, err
	}
	return out, stats, nil
}

func checkBatch(batch [][]float64) (int, error) {
	if len(batch) == 0 || len(batch[0]) == 0 {
		return 0, ErrEmptyBatch
	}
	width := len(batch[0])
	for i, row := range batch {
		if len(row) != width {
			return 0, fmt.Errorf("%w: row %d has %d columns, want %d", ErrRaggedBatch, i, len(row), width)
		}
		for j, v := range row {
			if !finite(v) {
				return 0, fmt.Errorf("%w: row %d column %d", ErrNonFinite, i, j)
			}
		}
	}
	return width, nil
}

// scaleFor maps a standard deviation to a divisor; constant columns divide by 1.
func scaleFor(scale float64) float64 {
	if scale < minScale {
		return 1
	}
	return scale
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
