package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/scaler"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		Manifest: Manifest{
			ModelID:      "bert-base-uncased",
			EncoderDim:   768,
			NumericalDim: 2,
			LayerWidths:  []int{770, 512, 256, 128},
			Dropout:      0.3,
			ScalerMode:   "refit",
			CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		NetworkParams: bytes.Repeat([]byte{1, 2, 3, 4}, 64),
		ScalerStats: &scaler.Stats{
			Mean:     []float64{1, 2},
			Variance: []float64{0.25, 4},
			Scale:    []float64{0.5, 2},
			Samples:  10,
		},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cp := testCheckpoint()
	data, err := Marshal(cp)
	require.NoError(t, err)
	assert.Equal(t, "FUSECKPT", string(data[:8]))

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, decoded.Manifest.FormatVersion)
	assert.True(t, decoded.Manifest.ScalerFitted)
	assert.Equal(t, cp.Manifest.LayerWidths, decoded.Manifest.LayerWidths)
	assert.True(t, cp.Manifest.CreatedAt.Equal(decoded.Manifest.CreatedAt))
	assert.Equal(t, cp.NetworkParams, decoded.NetworkParams)
	assert.Equal(t, cp.ScalerStats, decoded.ScalerStats)
}

func TestMarshalWithoutScaler(t *testing.T) {
	cp := testCheckpoint()
	cp.ScalerStats = nil

	data, err := Marshal(cp)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.False(t, decoded.Manifest.ScalerFitted)
	assert.Nil(t, decoded.ScalerStats)
}

func TestMarshalRejectsInvalid(t *testing.T) {
	cp := testCheckpoint()
	cp.Manifest.LayerWidths[0] = 768
	_, err := Marshal(cp)
	assert.ErrorIs(t, err, ErrInvalidManifest)

	cp = testCheckpoint()
	cp.NetworkParams = nil
	_, err = Marshal(cp)
	assert.ErrorIs(t, err, ErrMissingSection)

	cp = testCheckpoint()
	cp.ScalerStats.Scale[0] = 0
	_, err = Marshal(cp)
	assert.ErrorIs(t, err, scaler.ErrInvalidStats)
}

func TestUnknownSectionsIgnored(t *testing.T) {
	data, err := Marshal(testCheckpoint())
	require.NoError(t, err)
	sections, err := DecodeSections(data)
	require.NoError(t, err)

	sections = append(sections, Section{Tag: "future-extension", Payload: []byte("anything")})
	data, err = EncodeSections(sections)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, testCheckpoint().NetworkParams, decoded.NetworkParams)
}

func TestUnmarshalFailures(t *testing.T) {
	good, err := Marshal(testCheckpoint())
	require.NoError(t, err)

	t.Run("BadMagic", func(t *testing.T) {
		_, err := Unmarshal([]byte("NOTACKPT\x01\x00\x00\x00\x00\x00\x00\x00"))
		assert.ErrorIs(t, err, ErrBadMagic)
		_, err = Unmarshal(nil)
		assert.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		data := append([]byte(nil), good...)
		binary.LittleEndian.PutUint32(data[8:12], 99)
		_, err := Unmarshal(data)
		assert.ErrorIs(t, err, ErrUnknownVersion)
	})

	t.Run("Checksum", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[len(data)-1] ^= 0xFF
		_, err := Unmarshal(data)
		assert.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := Unmarshal(good[:len(good)-10])
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("TrailingBytes", func(t *testing.T) {
		_, err := Unmarshal(append(append([]byte(nil), good...), 0))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("MissingParams", func(t *testing.T) {
		sections, err := DecodeSections(good)
		require.NoError(t, err)
		data, err := EncodeSections([]Section{sections[0], sections[2]})
		require.NoError(t, err)
		_, err = Unmarshal(data)
		assert.ErrorIs(t, err, ErrMissingSection)
	})

	t.Run("MissingScaler", func(t *testing.T) {
		sections, err := DecodeSections(good)
		require.NoError(t, err)
		data, err := EncodeSections(sections[:2])
		require.NoError(t, err)
		_, err = Unmarshal(data)
		assert.ErrorIs(t, err, ErrMissingSection)
	})

	t.Run("ScalerWidth", func(t *testing.T) {
		sections, err := DecodeSections(good)
		require.NoError(t, err)
		sections[2].Payload = []byte(`{"mean":[0],"variance":[1],"scale":[1],"samples":3}`)
		data, err := EncodeSections(sections)
		require.NoError(t, err)
		_, err = Unmarshal(data)
		assert.ErrorIs(t, err, ErrInvalidManifest)
	})
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"latest", "run-1", "v1.2_final"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "../x", "a/b", ".hidden", "a..b", "sp ace"} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.ckpt")

	require.NoError(t, WriteFile(path, []byte("first")))
	require.NoError(t, WriteFile(path, []byte("second")))

	data, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	_, err = ReadFile(filepath.Join(dir, "missing.ckpt"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(&Config{Backend: "file", Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, ctx, store)

	_, err = NewStore(&Config{Backend: "s3"}, zap.NewNop())
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("FUSION_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FUSION_TEST_REDIS_URL not set")
	}
	store, err := NewRedisStore(&RedisConfig{
		URL:       url,
		KeyPrefix: "fusion-test:" + t.Name() + ":" + time.Now().Format("150405.000000") + ":",
		TTL:       time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, context.Background(), store)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("FUSION_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FUSION_TEST_DATABASE_URL not set")
	}
	table := "fusion_checkpoints_test"
	store, err := NewPostgresStore(&PostgresConfig{DatabaseURL: url, Table: table, MaxOpenConns: 2}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	_, err = store.db.Exec("TRUNCATE " + table)
	require.NoError(t, err)

	exerciseStore(t, context.Background(), store)
}

func exerciseStore(t *testing.T, ctx context.Context, store Store) {
	t.Helper()

	infos, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, err = store.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "b", []byte("two")))
	require.NoError(t, store.Put(ctx, "a", []byte("one")))
	require.NoError(t, store.Put(ctx, "a", []byte("uno")))

	data, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), data)

	infos, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, int64(3), infos[0].Size)
	assert.Equal(t, "b", infos[1].Name)

	assert.ErrorIs(t, store.Put(ctx, "../escape", []byte("x")), ErrInvalidName)
}
