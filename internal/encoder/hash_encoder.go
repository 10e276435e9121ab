package encoder

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// HashEncoder produces deterministic token-level vectors derived from the
// token id, its position and its left neighbour. It has no native
// dependencies, which makes it the default backend for builds without ONNX
// Runtime and for tests.
type HashEncoder struct {
	dims int
}

// NewHashEncoder creates a hash encoder with the given hidden size.
func NewHashEncoder(dims int) *HashEncoder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEncoder{dims: dims}
}

// Encode returns one vector per token with values in [-1, 1).
func (h *HashEncoder) Encode(ctx context.Context, input *TokenizedInput) ([][]float32, error) {
	if input == nil || len(input.InputIDs) == 0 {
		return nil, fmt.Errorf("%w: empty token sequence", ErrInvalidInput)
	}

	hidden := make([][]float32, len(input.InputIDs))
	var key [12]byte
	for s, id := range input.InputIDs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		prev := int32(-1)
		if s > 0 {
			prev = input.InputIDs[s-1]
		}
		binary.LittleEndian.PutUint32(key[0:4], uint32(id))
		binary.LittleEndian.PutUint32(key[4:8], uint32(prev))
		binary.LittleEndian.PutUint32(key[8:12], uint32(s))
		seed := xxhash.Sum64(key[:])

		row := make([]float32, h.dims)
		for d := range row {
			row[d] = unitFloat(splitmix64(seed + uint64(d)*0x9E3779B97F4A7C15))
		}
		hidden[s] = row
	}
	return hidden, nil
}

// Dimensions returns the hidden size.
func (h *HashEncoder) Dimensions() int {
	return h.dims
}

// IsReady always reports true.
func (h *HashEncoder) IsReady() bool {
	return true
}

// Close is a no-op.
func (h *HashEncoder) Close() error {
	return nil
}

func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// unitFloat maps the top 24 bits to [-1, 1).
func unitFloat(x uint64) float32 {
	return float32(math.Ldexp(float64(x>>40), -23)) - 1
}
