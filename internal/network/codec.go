package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maxBlob bounds a single encoded matrix so corrupt lengths fail fast.
const maxBlob = 1 << 30

// MarshalParams encodes every layer as a length-prefixed gonum binary matrix
// followed by a length-prefixed gonum binary vector, after a layer count and
// the dropout rate.
func (f *FeedForward) MarshalParams() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(f.layers))); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, math.Float64bits(f.dropout)); err != nil {
		return nil, err
	}

	for i, l := range f.layers {
		w, err := l.Weights.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("layer %d weights: %w", i, err)
		}
		b, err := l.Bias.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("layer %d bias: %w", i, err)
		}
		writeBlob(&buf, w)
		writeBlob(&buf, b)
	}
	return buf.Bytes(), nil
}

// UnmarshalParams decodes the output of MarshalParams into a new network.
func UnmarshalParams(data []byte) (*FeedForward, error) {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: layer count: %w", ErrInvalidParams, err)
	}
	if count == 0 || count > 64 {
		return nil, fmt.Errorf("%w: layer count %d", ErrInvalidParams, count)
	}
	var dropoutBits uint64
	if err := binary.Read(r, binary.LittleEndian, &dropoutBits); err != nil {
		return nil, fmt.Errorf("%w: dropout: %w", ErrInvalidParams, err)
	}

	layers := make([]Layer, count)
	for i := range layers {
		w, err := readBlob(r)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d weights: %w", ErrInvalidParams, i, err)
		}
		b, err := readBlob(r)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d bias: %w", ErrInvalidParams, i, err)
		}

		var weights mat.Dense
		if err := weights.UnmarshalBinary(w); err != nil {
			return nil, fmt.Errorf("%w: layer %d weights: %w", ErrInvalidParams, i, err)
		}
		var bias mat.VecDense
		if err := bias.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("%w: layer %d bias: %w", ErrInvalidParams, i, err)
		}
		layers[i] = Layer{Weights: &weights, Bias: &bias}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidParams, r.Len())
	}

	dropout := math.Float64frombits(dropoutBits)
	if math.IsNaN(dropout) || dropout < 0 || dropout >= 1 {
		return nil, fmt.Errorf("%w: dropout %v", ErrInvalidParams, dropout)
	}
	return FromLayers(layers, dropout)
}

func writeBlob(buf *bytes.Buffer, blob []byte) {
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(blob)))
	buf.Write(size[:])
	buf.Write(blob)
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size > maxBlob || size > uint64(r.Len()) {
		return nil, fmt.Errorf("blob length %d exceeds remaining %d bytes", size, r.Len())
	}
	blob := make([]byte, size)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	return blob, nil
}
