package encoder_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/raaihank/fusion-encoder/internal/encoder"
	"github.com/raaihank/fusion-encoder/internal/encoder/encodertest"
)

func TestTokenizer(t *testing.T) {
	tok := encodertest.Tokenizer(16)

	t.Run("MissingSpecialTokens", func(t *testing.T) {
		_, err := encoder.NewTokenizer([]string{"[PAD]", "[UNK]", "hello"}, 16)
		require.Error(t, err)
	})

	t.Run("EmptyText", func(t *testing.T) {
		in := tok.Tokenize("")
		assert.Equal(t, []string{"[CLS]", "[SEP]"}, in.Tokens)
		assert.Equal(t, []int32{2, 3}, in.InputIDs)
		assert.Equal(t, []int32{1, 1}, in.AttentionMask)
		assert.Equal(t, 2, in.Length)
		assert.False(t, in.Truncated)
	})

	t.Run("PunctuationAndCase", func(t *testing.T) {
		in := tok.Tokenize("Hello, World!")
		assert.Equal(t, []string{"[CLS]", "hello", ",", "world", "!", "[SEP]"}, in.Tokens)
	})

	t.Run("AccentsStripped", func(t *testing.T) {
		in := tok.Tokenize("Héllo wörld")
		assert.Equal(t, []string{"[CLS]", "hello", "world", "[SEP]"}, in.Tokens)
	})

	t.Run("WordPiece", func(t *testing.T) {
		in := tok.Tokenize("unaffable embeddings")
		assert.Equal(t, []string{"[CLS]", "un", "##aff", "##able", "embed", "##ding", "##s", "[SEP]"}, in.Tokens)
	})

	t.Run("UnknownWord", func(t *testing.T) {
		in := tok.Tokenize("zebra")
		require.Len(t, in.InputIDs, 3)
		assert.Equal(t, int32(1), in.InputIDs[1])
	})

	t.Run("ControlCharactersDropped", func(t *testing.T) {
		in := tok.Tokenize("hello\x00\tworld​")
		assert.Equal(t, []string{"[CLS]", "hello", "world", "[SEP]"}, in.Tokens)
	})

	t.Run("Truncation", func(t *testing.T) {
		short := encodertest.Tokenizer(4)
		in := short.Tokenize("hello world the model")
		assert.True(t, in.Truncated)
		assert.Equal(t, []string{"[CLS]", "hello", "world", "[SEP]"}, in.Tokens)
		assert.Equal(t, 4, in.Length)
	})
}

func TestMeanPool(t *testing.T) {
	t.Run("RespectsMask", func(t *testing.T) {
		hidden := [][]float32{{1, 2}, {3, 4}, {100, 100}}
		pooled, err := encoder.MeanPool(hidden, []int32{1, 1, 0}, 2)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{2, 3}, pooled, 1e-9)
	})

	t.Run("PooledRow", func(t *testing.T) {
		pooled, err := encoder.MeanPool([][]float32{{0.5, -0.5}}, []int32{1, 1, 1}, 2)
		require.NoError(t, err)
		assert.Equal(t, []float64{0.5, -0.5}, pooled)
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := encoder.MeanPool(nil, nil, 2)
		assert.Error(t, err)
		_, err = encoder.MeanPool([][]float32{{1}, {2}}, []int32{1}, 1)
		assert.Error(t, err)
		_, err = encoder.MeanPool([][]float32{{1}, {2}}, []int32{0, 0}, 1)
		assert.Error(t, err)
		_, err = encoder.MeanPool([][]float32{{1, 2}, {2}}, []int32{1, 1}, 2)
		assert.Error(t, err)
	})
}

func TestHashEncoder(t *testing.T) {
	h := encoder.NewHashEncoder(32)
	tok := encodertest.Tokenizer(16)
	ctx := context.Background()

	first, err := h.Encode(ctx, tok.Tokenize("hello world"))
	require.NoError(t, err)
	second, err := h.Encode(ctx, tok.Tokenize("hello world"))
	require.NoError(t, err)

	require.Len(t, first, 4)
	for _, row := range first {
		require.Len(t, row, 32)
		for _, v := range row {
			assert.GreaterOrEqual(t, v, float32(-1))
			assert.Less(t, v, float32(1))
		}
	}
	assert.Equal(t, first, second)

	other, err := h.Encode(ctx, tok.Tokenize("the model"))
	require.NoError(t, err)
	assert.NotEqual(t, first[1], other[1])

	_, err = h.Encode(ctx, &encoder.TokenizedInput{})
	assert.ErrorIs(t, err, encoder.ErrInvalidInput)
}

func TestTextEncoder(t *testing.T) {
	logger := zap.NewNop()
	resolver := encodertest.Resolver(encoder.DefaultDimensions)

	newEncoder := func(t *testing.T) *encoder.TextEncoder {
		te, err := encoder.NewTextEncoder(resolver.Tokenizer, resolver.Encoder, time.Second, logger)
		require.NoError(t, err)
		return te
	}

	t.Run("NilArtifacts", func(t *testing.T) {
		_, err := encoder.NewTextEncoder(nil, resolver.Encoder, 0, logger)
		assert.ErrorIs(t, err, encoder.ErrModelNotLoaded)
		_, err = encoder.NewTextEncoder(resolver.Tokenizer, nil, 0, logger)
		assert.ErrorIs(t, err, encoder.ErrModelNotLoaded)
	})

	t.Run("FixedWidthAndDeterministic", func(t *testing.T) {
		te := newEncoder(t)
		ctx := context.Background()

		a, err := te.Encode(ctx, "hello world")
		require.NoError(t, err)
		b, err := te.Encode(ctx, "hello world")
		require.NoError(t, err)

		assert.Len(t, a.Vector, encoder.DefaultDimensions)
		assert.Equal(t, a.Vector, b.Vector)
		assert.Equal(t, 4, a.TokenCount)
		assert.Equal(t, encoder.DefaultDimensions, te.Dimensions())
	})

	t.Run("EmptyText", func(t *testing.T) {
		te := newEncoder(t)
		res, err := te.Encode(context.Background(), "")
		require.NoError(t, err)
		assert.Len(t, res.Vector, encoder.DefaultDimensions)
		assert.Equal(t, 2, res.TokenCount)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		te := newEncoder(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := te.Encode(ctx, "hello")
		assert.ErrorIs(t, err, encoder.ErrTimeout)
	})

	t.Run("Stats", func(t *testing.T) {
		te := newEncoder(t)
		ctx := context.Background()
		_, _ = te.Encode(ctx, "hello")
		_, _ = te.Encode(ctx, "hello world")

		stats := te.Stats()
		assert.Equal(t, int64(2), stats.TotalInferences)
		assert.Equal(t, int64(2), stats.SuccessfulRuns)
		assert.Equal(t, int64(7), stats.TotalTokens)
		assert.Zero(t, stats.ErrorRate)
	})
}

func TestLocalResolver(t *testing.T) {
	logger := zap.NewNop()
	ctx := context.Background()

	t.Run("CachedVocabulary", func(t *testing.T) {
		cache := t.TempDir()
		_, err := encodertest.WriteVocab(filepath.Join(cache, "org", "tiny-bert"))
		require.NoError(t, err)

		r := encoder.NewLocalResolver(encoder.ResolverConfig{
			Backend:    encoder.BackendHash,
			CacheDir:   cache,
			MaxLength:  32,
			Dimensions: 16,
		}, logger)

		tok, enc, err := r.Resolve(ctx, "org/tiny-bert")
		require.NoError(t, err)
		assert.Equal(t, len(encodertest.Vocab()), tok.VocabSize())
		assert.Equal(t, 16, enc.Dimensions())
	})

	t.Run("HashBackendWarns", func(t *testing.T) {
		cache := t.TempDir()
		_, err := encodertest.WriteVocab(filepath.Join(cache, "m"))
		require.NoError(t, err)

		core, logs := observer.New(zapcore.WarnLevel)
		r := encoder.NewLocalResolver(encoder.ResolverConfig{
			Backend:   encoder.BackendHash,
			CacheDir:  cache,
			MaxLength: 32,
		}, zap.New(core))

		_, _, err = r.Resolve(ctx, "m")
		require.NoError(t, err)
		warnings := logs.FilterMessageSnippet("Hash encoder backend active").All()
		require.Len(t, warnings, 1)
		assert.Equal(t, "m", warnings[0].ContextMap()["model"])
	})

	t.Run("MissingWithoutDownload", func(t *testing.T) {
		r := encoder.NewLocalResolver(encoder.ResolverConfig{
			Backend:   encoder.BackendHash,
			CacheDir:  t.TempDir(),
			MaxLength: 32,
		}, logger)

		_, _, err := r.Resolve(ctx, "bert-base-uncased")
		assert.ErrorIs(t, err, encoder.ErrArtifactNotFound)
	})

	t.Run("InvalidModelID", func(t *testing.T) {
		r := encoder.NewLocalResolver(encoder.ResolverConfig{CacheDir: t.TempDir(), MaxLength: 32}, logger)
		for _, id := range []string{"", "../etc", "org//name"} {
			_, _, err := r.Resolve(ctx, id)
			assert.ErrorIs(t, err, encoder.ErrArtifactNotFound, id)
		}
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		cache := t.TempDir()
		_, err := encodertest.WriteVocab(filepath.Join(cache, "m"))
		require.NoError(t, err)

		r := encoder.NewLocalResolver(encoder.ResolverConfig{Backend: "tpu", CacheDir: cache, MaxLength: 32}, logger)
		_, _, err = r.Resolve(ctx, "m")
		assert.ErrorIs(t, err, encoder.ErrBackendUnavailable)
	})

	t.Run("Download", func(t *testing.T) {
		var requested string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requested = r.URL.Path
			_, _ = w.Write([]byte(strings.Join(encodertest.Vocab(), "\n")))
		}))
		defer srv.Close()

		cache := t.TempDir()
		r := encoder.NewLocalResolver(encoder.ResolverConfig{
			Backend:      encoder.BackendHash,
			CacheDir:     cache,
			AutoDownload: true,
			HubURL:       srv.URL + "/",
			MaxLength:    32,
		}, logger)

		tok, _, err := r.Resolve(ctx, "bert-base-uncased")
		require.NoError(t, err)
		assert.Equal(t, "/bert-base-uncased/resolve/main/vocab.txt", requested)
		assert.Equal(t, len(encodertest.Vocab()), tok.VocabSize())

		_, err = os.Stat(filepath.Join(cache, "bert-base-uncased", "vocab.txt"))
		assert.NoError(t, err)
	})

	t.Run("DownloadFailure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		cache := t.TempDir()
		r := encoder.NewLocalResolver(encoder.ResolverConfig{
			CacheDir:     cache,
			AutoDownload: true,
			HubURL:       srv.URL,
			MaxLength:    32,
		}, logger)

		_, _, err := r.Resolve(ctx, "bert-base-uncased")
		assert.ErrorIs(t, err, encoder.ErrDownloadFailed)

		entries, _ := os.ReadDir(filepath.Join(cache, "bert-base-uncased"))
		assert.Empty(t, entries)
	})

	t.Run("StaticResolver", func(t *testing.T) {
		_, _, err := encoder.StaticResolver{}.Resolve(ctx, "x")
		assert.ErrorIs(t, err, encoder.ErrArtifactNotFound)
	})
}
