// Package checkpoint encodes model state into a versioned, checksummed
// container and stores it on disk, in Redis or in PostgreSQL.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/raaihank/fusion-encoder/internal/scaler"
)

// FormatVersion is the only container version this package reads and writes.
const FormatVersion uint32 = 1

// Section tags.
const (
	SectionManifest      = "manifest"
	SectionNetworkParams = "network-params"
	SectionScalerStats   = "scaler-stats"
)

const (
	maxSections    = 256
	maxTagLength   = 255
	maxPayloadSize = 1 << 30
)

var magic = [8]byte{'F', 'U', 'S', 'E', 'C', 'K', 'P', 'T'}

var (
	ErrBadMagic        = errors.New("not a checkpoint container")
	ErrUnknownVersion  = errors.New("unsupported checkpoint version")
	ErrChecksum        = errors.New("checkpoint section checksum mismatch")
	ErrMissingSection  = errors.New("checkpoint section missing")
	ErrCorrupt         = errors.New("checkpoint container is corrupt")
	ErrInvalidManifest = errors.New("checkpoint manifest is invalid")
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
)

// Manifest describes the architecture a checkpoint was written for.
type Manifest struct {
	FormatVersion uint32    `json:"format_version"`
	ModelID       string    `json:"model_id"`
	EncoderDim    int       `json:"encoder_dim"`
	NumericalDim  int       `json:"numerical_dim"`
	LayerWidths   []int     `json:"layer_widths"`
	Dropout       float64   `json:"dropout"`
	ScalerMode    string    `json:"scaler_mode,omitempty"`
	ScalerFitted  bool      `json:"scaler_fitted"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks that the manifest is self-consistent.
func (m *Manifest) Validate() error {
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, m.FormatVersion)
	}
	if m.EncoderDim <= 0 || m.NumericalDim <= 0 {
		return fmt.Errorf("%w: encoder_dim=%d numerical_dim=%d", ErrInvalidManifest, m.EncoderDim, m.NumericalDim)
	}
	if len(m.LayerWidths) < 2 {
		return fmt.Errorf("%w: need at least input and output widths, got %v", ErrInvalidManifest, m.LayerWidths)
	}
	if m.LayerWidths[0] != m.EncoderDim+m.NumericalDim {
		return fmt.Errorf("%w: input width %d != encoder %d + numerical %d",
			ErrInvalidManifest, m.LayerWidths[0], m.EncoderDim, m.NumericalDim)
	}
	return nil
}

// Checkpoint is the decoded content of a container.
type Checkpoint struct {
	Manifest      Manifest
	NetworkParams []byte
	ScalerStats   *scaler.Stats
}

// Section is one tagged payload of a container.
type Section struct {
	Tag     string
	Payload []byte
}

// Marshal encodes cp into a container. The scaler-stats section is written
// only when statistics are present.
func Marshal(cp *Checkpoint) ([]byte, error) {
	manifest := cp.Manifest
	manifest.FormatVersion = FormatVersion
	manifest.ScalerFitted = cp.ScalerStats != nil
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if len(cp.NetworkParams) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, SectionNetworkParams)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	sections := []Section{
		{Tag: SectionManifest, Payload: manifestJSON},
		{Tag: SectionNetworkParams, Payload: cp.NetworkParams},
	}
	if cp.ScalerStats != nil {
		if err := cp.ScalerStats.Validate(); err != nil {
			return nil, err
		}
		statsJSON, err := json.Marshal(cp.ScalerStats)
		if err != nil {
			return nil, fmt.Errorf("failed to encode scaler stats: %w", err)
		}
		sections = append(sections, Section{Tag: SectionScalerStats, Payload: statsJSON})
	}

	return EncodeSections(sections)
}

// Unmarshal decodes and validates a container produced by Marshal.
func Unmarshal(data []byte) (*Checkpoint, error) {
	sections, err := DecodeSections(data)
	if err != nil {
		return nil, err
	}

	byTag := make(map[string][]byte, len(sections))
	for _, s := range sections {
		byTag[s.Tag] = s.Payload
	}

	raw, ok := byTag[SectionManifest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, SectionManifest)
	}
	cp := &Checkpoint{}
	if err := json.Unmarshal(raw, &cp.Manifest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := cp.Manifest.Validate(); err != nil {
		return nil, err
	}

	cp.NetworkParams, ok = byTag[SectionNetworkParams]
	if !ok || len(cp.NetworkParams) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, SectionNetworkParams)
	}

	if raw, ok := byTag[SectionScalerStats]; ok {
		var stats scaler.Stats
		if err := json.Unmarshal(raw, &stats); err != nil {
			return nil, fmt.Errorf("%w: scaler stats: %w", ErrCorrupt, err)
		}
		if err := stats.Validate(); err != nil {
			return nil, err
		}
		if stats.Width() != cp.Manifest.NumericalDim {
			return nil, fmt.Errorf("%w: scaler width %d, numerical_dim %d", ErrInvalidManifest, stats.Width(), cp.Manifest.NumericalDim)
		}
		cp.ScalerStats = &stats
	} else if cp.Manifest.ScalerFitted {
		return nil, fmt.Errorf("%w: %s", ErrMissingSection, SectionScalerStats)
	}

	return cp, nil
}

// EncodeSections writes the container header followed by each section with
// a zstd-compressed payload and the xxhash64 of that compressed payload.
func EncodeSections(sections []Section) ([]byte, error) {
	if len(sections) > maxSections {
		return nil, fmt.Errorf("too many sections: %d", len(sections))
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], FormatVersion)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(sections)))
	buf.Write(header[:])

	for _, s := range sections {
		if s.Tag == "" || len(s.Tag) > maxTagLength {
			return nil, fmt.Errorf("invalid section tag %q", s.Tag)
		}
		payload := zstdEncoder.EncodeAll(s.Payload, nil)

		var tagLen [2]byte
		binary.LittleEndian.PutUint16(tagLen[:], uint16(len(s.Tag)))
		buf.Write(tagLen[:])
		buf.WriteString(s.Tag)

		var sizes [16]byte
		binary.LittleEndian.PutUint64(sizes[0:8], uint64(len(payload)))
		binary.LittleEndian.PutUint64(sizes[8:16], xxhash.Sum64(payload))
		buf.Write(sizes[:])
		buf.Write(payload)
	}
	return buf.Bytes(), nil
}

// DecodeSections parses a container, verifies every checksum and returns the
// decompressed sections in file order.
func DecodeSections(data []byte) ([]Section, error) {
	r := bytes.NewReader(data)

	var gotMagic [8]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil || gotMagic != magic {
		return nil, ErrBadMagic
	}

	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: version: %w", ErrCorrupt, err)
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: section count: %w", ErrCorrupt, err)
	}
	if count > maxSections {
		return nil, fmt.Errorf("%w: %d sections", ErrCorrupt, count)
	}

	sections := make([]Section, 0, count)
	for i := uint32(0); i < count; i++ {
		var tagLen uint16
		if err := binary.Read(r, binary.LittleEndian, &tagLen); err != nil {
			return nil, fmt.Errorf("%w: section %d tag length: %w", ErrCorrupt, i, err)
		}
		tag := make([]byte, tagLen)
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, fmt.Errorf("%w: section %d tag: %w", ErrCorrupt, i, err)
		}

		var size, sum uint64
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("%w: section %q length: %w", ErrCorrupt, tag, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &sum); err != nil {
			return nil, fmt.Errorf("%w: section %q checksum: %w", ErrCorrupt, tag, err)
		}
		if size > maxPayloadSize || size > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: section %q claims %d bytes, %d remain", ErrCorrupt, tag, size, r.Len())
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: section %q payload: %w", ErrCorrupt, tag, err)
		}
		if xxhash.Sum64(payload) != sum {
			return nil, fmt.Errorf("%w: section %q", ErrChecksum, tag)
		}

		plain, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: section %q decompress: %w", ErrCorrupt, tag, err)
		}
		sections = append(sections, Section{Tag: string(tag), Payload: plain})
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return sections, nil
}
