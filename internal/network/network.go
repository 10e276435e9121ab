// Package network implements the inference-only feed-forward head that maps
// fused text and numerical features to the output embedding.
package network

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidConfig = errors.New("invalid network configuration")
	ErrInputWidth    = errors.New("input width does not match network")
	ErrInvalidParams = errors.New("invalid network parameters")
)

// Config describes the layer widths of a FeedForward network.
type Config struct {
	InputDim  int     `yaml:"input_dim" mapstructure:"input_dim" json:"input_dim"`
	Hidden    []int   `yaml:"hidden_sizes" mapstructure:"hidden_sizes" json:"hidden_sizes"`
	OutputDim int     `yaml:"output_dim" mapstructure:"output_dim" json:"output_dim"`
	Dropout   float64 `yaml:"dropout" mapstructure:"dropout" json:"dropout"`
	Seed      uint64  `yaml:"seed" mapstructure:"seed" json:"seed"`
}

// Widths returns input, hidden and output widths in order.
func (c Config) Widths() []int {
	widths := make([]int, 0, len(c.Hidden)+2)
	widths = append(widths, c.InputDim)
	widths = append(widths, c.Hidden...)
	return append(widths, c.OutputDim)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for i, w := range c.Widths() {
		if w <= 0 {
			return fmt.Errorf("%w: width %d at position %d", ErrInvalidConfig, w, i)
		}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout %v outside [0, 1)", ErrInvalidConfig, c.Dropout)
	}
	return nil
}

// Layer is one dense layer computing x·Wᵀ + b.
type Layer struct {
	Weights *mat.Dense    // out × in
	Bias    *mat.VecDense // out
}

// In returns the input width.
func (l Layer) In() int {
	_, c := l.Weights.Dims()
	return c
}

// Out returns the output width.
func (l Layer) Out() int {
	r, _ := l.Weights.Dims()
	return r
}

// FeedForward is a stack of dense layers with ReLU between them. Dropout
// follows the first hidden layer during training only, so inference treats it
// as identity. A FeedForward is never mutated after construction.
type FeedForward struct {
	layers  []Layer
	dropout float64
}

// New builds a network with uniform(-1/sqrt(fan_in), 1/sqrt(fan_in)) weights
// and biases drawn from a PCG source seeded with cfg.Seed.
func New(cfg Config) (*FeedForward, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	widths := cfg.Widths()
	layers := make([]Layer, len(widths)-1)
	for i := range layers {
		in, out := widths[i], widths[i+1]
		bound := 1 / math.Sqrt(float64(in))
		uniform := func() float64 { return (rng.Float64()*2 - 1) * bound }

		w := make([]float64, out*in)
		for k := range w {
			w[k] = uniform()
		}
		b := make([]float64, out)
		for k := range b {
			b[k] = uniform()
		}
		layers[i] = Layer{Weights: mat.NewDense(out, in, w), Bias: mat.NewVecDense(out, b)}
	}

	return &FeedForward{layers: layers, dropout: cfg.Dropout}, nil
}

// FromLayers assembles a network from existing layers after checking that
// adjacent widths line up.
func FromLayers(layers []Layer, dropout float64) (*FeedForward, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: no layers", ErrInvalidParams)
	}
	for i, l := range layers {
		if l.Weights == nil || l.Bias == nil {
			return nil, fmt.Errorf("%w: layer %d is incomplete", ErrInvalidParams, i)
		}
		if l.Bias.Len() != l.Out() {
			return nil, fmt.Errorf("%w: layer %d bias %d, want %d", ErrInvalidParams, i, l.Bias.Len(), l.Out())
		}
		if i > 0 && layers[i-1].Out() != l.In() {
			return nil, fmt.Errorf("%w: layer %d input %d does not follow %d", ErrInvalidParams, i, l.In(), layers[i-1].Out())
		}
	}
	return &FeedForward{layers: layers, dropout: dropout}, nil
}

// InputDim returns the expected input width.
func (f *FeedForward) InputDim() int {
	return f.layers[0].In()
}

// OutputDim returns the embedding width.
func (f *FeedForward) OutputDim() int {
	return f.layers[len(f.layers)-1].Out()
}

// Widths returns input width followed by every layer's output width.
func (f *FeedForward) Widths() []int {
	widths := []int{f.InputDim()}
	for _, l := range f.layers {
		widths = append(widths, l.Out())
	}
	return widths
}

// Dropout returns the training-time dropout rate.
func (f *FeedForward) Dropout() float64 {
	return f.dropout
}

// Layers returns the layers. Callers must not modify them.
func (f *FeedForward) Layers() []Layer {
	return f.layers
}

// Forward maps an n × InputDim matrix to n × OutputDim.
func (f *FeedForward) Forward(x mat.Matrix) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != f.InputDim() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInputWidth, cols, f.InputDim())
	}

	var current mat.Matrix = x
	var out *mat.Dense
	last := len(f.layers) - 1
	for i, l := range f.layers {
		out = mat.NewDense(rows, l.Out(), nil)
		out.Mul(current, l.Weights.T())
		bias := l.Bias.RawVector().Data
		for r := 0; r < rows; r++ {
			row := out.RawRowView(r)
			for c := range row {
				row[c] += bias[c]
				if i < last && row[c] < 0 {
					row[c] = 0
				}
			}
		}
		current = out
	}
	return out, nil
}

// ForwardRows is Forward over row slices.
func (f *FeedForward) ForwardRows(rows [][]float64) ([][]float64, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInputWidth)
	}
	width := f.InputDim()
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("%w: row %d has %d, want %d", ErrInputWidth, i, len(r), width)
		}
		data = append(data, r...)
	}

	out, err := f.Forward(mat.NewDense(len(rows), width, data))
	if err != nil {
		return nil, err
	}

	result := make([][]float64, len(rows))
	for i := range result {
		result[i] = mat.Row(nil, i, out)
	}
	return result, nil
}

// Equal reports whether two networks have identical parameters.
func (f *FeedForward) Equal(other *FeedForward) bool {
	if f == nil || other == nil || len(f.layers) != len(other.layers) {
		return f == other
	}
	for i := range f.layers {
		if !mat.Equal(f.layers[i].Weights, other.layers[i].Weights) ||
			!mat.Equal(f.layers[i].Bias, other.layers[i].Bias) {
			return false
		}
	}
	return true
}
