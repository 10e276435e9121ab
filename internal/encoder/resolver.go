package encoder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	vocabFile = "vocab.txt"
	onnxFile  = "model.onnx"
)

// Resolver maps a pretrained model identifier to a tokenizer and an encoder.
type Resolver interface {
	Resolve(ctx context.Context, modelID string) (*Tokenizer, Encoder, error)
}

// LocalResolver resolves artifacts from a cache directory laid out as
// <cache_dir>/<model id>/{vocab.txt,model.onnx}, downloading missing files
// from a Hugging Face compatible hub when auto_download is enabled.
type LocalResolver struct {
	config ResolverConfig
	client *http.Client
	logger *zap.Logger
}

// NewLocalResolver creates a resolver for the given configuration
func NewLocalResolver(config ResolverConfig, logger *zap.Logger) *LocalResolver {
	timeout := config.DownloadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &LocalResolver{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Resolve loads (and if needed downloads) the tokenizer vocabulary and the
// encoder weights for modelID.
func (r *LocalResolver) Resolve(ctx context.Context, modelID string) (*Tokenizer, Encoder, error) {
	dir, err := r.modelDir(modelID)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	r.logger.Info("Resolving pretrained artifacts",
		zap.String("model", modelID),
		zap.String("dir", dir),
		zap.String("backend", string(r.config.Backend)))

	vocabPath, err := r.ensureArtifact(ctx, modelID, dir, vocabFile, vocabFile)
	if err != nil {
		return nil, nil, err
	}
	tokenizer, err := LoadTokenizer(vocabPath, r.config.MaxLength)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrModelNotLoaded, err)
	}

	dims := r.config.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}

	var backend Encoder
	switch r.config.Backend {
	case BackendONNX:
		modelPath, err := r.ensureArtifact(ctx, modelID, dir, onnxFile, "onnx/"+onnxFile)
		if err != nil {
			return nil, nil, err
		}
		backend, err = NewONNXEncoder(r.logger, modelPath, dims)
		if err != nil {
			return nil, nil, err
		}
	case BackendHash, "":
		r.logger.Warn("Hash encoder backend active: text features are deterministic token hashes, not pretrained embeddings; set encoder.backend to onnx for the real model",
			zap.String("model", modelID))
		backend = NewHashEncoder(dims)
	default:
		return nil, nil, fmt.Errorf("%w: unknown encoder backend %q", ErrBackendUnavailable, r.config.Backend)
	}

	r.logger.Info("Pretrained artifacts resolved",
		zap.String("model", modelID),
		zap.Int("vocab_size", tokenizer.VocabSize()),
		zap.Int("max_length", tokenizer.MaxLength()),
		zap.Int("dims", backend.Dimensions()),
		zap.Duration("load_time", time.Since(start)))

	return tokenizer, backend, nil
}

// modelDir maps a model id such as "org/name" to a directory under the cache.
func (r *LocalResolver) modelDir(modelID string) (string, error) {
	id := strings.TrimSpace(modelID)
	if id == "" {
		return "", fmt.Errorf("%w: model id is empty", ErrArtifactNotFound)
	}
	for _, part := range strings.Split(id, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: invalid model id %q", ErrArtifactNotFound, modelID)
		}
	}
	return filepath.Join(r.config.CacheDir, filepath.FromSlash(id)), nil
}

func (r *LocalResolver) ensureArtifact(ctx context.Context, modelID, dir, name, remotePath string) (string, error) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s: %w", ErrArtifactNotFound, path, err)
	}

	if !r.config.AutoDownload {
		return "", fmt.Errorf("%w: %s not found and auto-download disabled", ErrArtifactNotFound, path)
	}

	url := fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimRight(r.config.HubURL, "/"), modelID, remotePath)
	r.logger.Info("Artifact not found, downloading...", zap.String("url", url), zap.String("path", path))
	if err := r.download(ctx, url, path); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	return path, nil
}

// download streams url into path through a temp file so a failed transfer
// never leaves a truncated artifact behind.
func (r *LocalResolver) download(ctx context.Context, url, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	r.logger.Info("Artifact downloaded", zap.String("path", path), zap.Int64("bytes", written))
	return nil
}

// StaticResolver always returns the same tokenizer and encoder.
type StaticResolver struct {
	Tokenizer *Tokenizer
	Encoder   Encoder
}

// Resolve ignores the model id.
func (s StaticResolver) Resolve(ctx context.Context, modelID string) (*Tokenizer, Encoder, error) {
	if s.Tokenizer == nil || s.Encoder == nil {
		return nil, nil, fmt.Errorf("%w: static resolver has no artifacts for %s", ErrArtifactNotFound, modelID)
	}
	return s.Tokenizer, s.Encoder, nil
}
