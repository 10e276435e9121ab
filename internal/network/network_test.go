package network

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testConfig() Config {
	return Config{InputDim: 770, Hidden: []int{512, 256}, OutputDim: 128, Dropout: 0.3, Seed: 42}
}

func TestNew(t *testing.T) {
	f, err := New(testConfig())
	require.NoError(t, err)

	assert.Equal(t, []int{770, 512, 256, 128}, f.Widths())
	assert.Equal(t, 770, f.InputDim())
	assert.Equal(t, 128, f.OutputDim())
	assert.Equal(t, 0.3, f.Dropout())
	require.Len(t, f.Layers(), 3)

	bound := 1 / math.Sqrt(770)
	w := f.Layers()[0].Weights.RawMatrix().Data
	for _, v := range w {
		require.LessOrEqual(t, math.Abs(v), bound)
	}

	same, err := New(testConfig())
	require.NoError(t, err)
	assert.True(t, f.Equal(same))

	cfg := testConfig()
	cfg.Seed = 7
	other, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, f.Equal(other))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero input", Config{InputDim: 0, OutputDim: 1}},
		{"negative hidden", Config{InputDim: 2, Hidden: []int{-1}, OutputDim: 1}},
		{"dropout one", Config{InputDim: 2, OutputDim: 1, Dropout: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestForwardKnownWeights(t *testing.T) {
	// 2 -> 2 (ReLU) -> 1
	layers := []Layer{
		{Weights: mat.NewDense(2, 2, []float64{1, 0, 0, -1}), Bias: mat.NewVecDense(2, []float64{0, 0})},
		{Weights: mat.NewDense(1, 2, []float64{1, 1}), Bias: mat.NewVecDense(1, []float64{-0.5})},
	}
	f, err := FromLayers(layers, 0)
	require.NoError(t, err)

	out, err := f.ForwardRows([][]float64{{2, 3}, {-1, -4}})
	require.NoError(t, err)
	// row 0: hidden relu(2, -3) = (2, 0) -> 1.5
	// row 1: hidden relu(-1, 4) = (0, 4) -> 3.5; the last layer has no ReLU
	assert.InDeltaSlice(t, []float64{1.5}, out[0], 1e-12)
	assert.InDeltaSlice(t, []float64{3.5}, out[1], 1e-12)

	neg, err := f.ForwardRows([][]float64{{0, 0}})
	require.NoError(t, err)
	assert.InDelta(t, -0.5, neg[0][0], 1e-12)
}

func TestForwardInputWidth(t *testing.T) {
	f, err := New(Config{InputDim: 3, Hidden: []int{4}, OutputDim: 2})
	require.NoError(t, err)

	_, err = f.ForwardRows([][]float64{{1, 2}})
	assert.ErrorIs(t, err, ErrInputWidth)
	_, err = f.ForwardRows(nil)
	assert.ErrorIs(t, err, ErrInputWidth)
	_, err = f.Forward(mat.NewDense(1, 4, nil))
	assert.ErrorIs(t, err, ErrInputWidth)

	out, err := f.Forward(mat.NewDense(5, 3, nil))
	require.NoError(t, err)
	r, c := out.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 2, c)
}

func TestFromLayersRejectsMismatch(t *testing.T) {
	_, err := FromLayers(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = FromLayers([]Layer{
		{Weights: mat.NewDense(2, 3, nil), Bias: mat.NewVecDense(2, nil)},
		{Weights: mat.NewDense(1, 4, nil), Bias: mat.NewVecDense(1, nil)},
	}, 0)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = FromLayers([]Layer{
		{Weights: mat.NewDense(2, 3, nil), Bias: mat.NewVecDense(3, nil)},
	}, 0)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestParamsRoundTrip(t *testing.T) {
	f, err := New(Config{InputDim: 6, Hidden: []int{5, 4}, OutputDim: 3, Dropout: 0.3, Seed: 1})
	require.NoError(t, err)

	data, err := f.MarshalParams()
	require.NoError(t, err)

	decoded, err := UnmarshalParams(data)
	require.NoError(t, err)
	assert.True(t, f.Equal(decoded))
	assert.Equal(t, f.Widths(), decoded.Widths())
	assert.Equal(t, 0.3, decoded.Dropout())

	in := [][]float64{{1, 2, 3, 4, 5, 6}}
	a, err := f.ForwardRows(in)
	require.NoError(t, err)
	b, err := decoded.ForwardRows(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnmarshalParamsCorrupt(t *testing.T) {
	f, err := New(Config{InputDim: 2, OutputDim: 2, Seed: 3})
	require.NoError(t, err)
	data, err := f.MarshalParams()
	require.NoError(t, err)

	_, err = UnmarshalParams(nil)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = UnmarshalParams(data[:len(data)-3])
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = UnmarshalParams(append(append([]byte(nil), data...), 0))
	assert.ErrorIs(t, err, ErrInvalidParams)
}
