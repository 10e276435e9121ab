package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/fusion-encoder/internal/encoder"
	"github.com/raaihank/fusion-encoder/internal/scaler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "bert-base-uncased", cfg.Model.ModelID)
	assert.Equal(t, 2, cfg.Model.NumericalFeatures)
	assert.Equal(t, []int{512, 256}, cfg.Model.HiddenSizes)
	assert.Equal(t, 128, cfg.Model.OutputDim)
	assert.Equal(t, scaler.ModeRefit, cfg.Model.ScalerMode)
	assert.Equal(t, encoder.BackendHash, cfg.Encoder.Backend)
	assert.Equal(t, 512, cfg.Encoder.MaxLength)
	assert.Equal(t, "file", cfg.Checkpoint.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Encoder.DownloadTimeout)
	assert.Equal(t, []string{"*"}, cfg.WebSocket.AllowedOrigins)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  rate_limit:
    requests_per_second: 5
model:
  numerical_features: 4
  hidden_sizes: [64, 32]
  scaler_mode: frozen
encoder:
  backend: onnx
checkpoint:
  backend: redis
  redis:
    ttl: 1h
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5.0, cfg.Server.RateLimit.RequestsPerSecond)
	assert.Equal(t, 40, cfg.Server.RateLimit.Burst, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Model.NumericalFeatures)
	assert.Equal(t, []int{64, 32}, cfg.Model.HiddenSizes)
	assert.Equal(t, scaler.ModeFrozen, cfg.Model.ScalerMode)
	assert.Equal(t, encoder.BackendONNX, cfg.Encoder.Backend)
	assert.Equal(t, time.Hour, cfg.Checkpoint.Redis.TTL)
	assert.Equal(t, "fusion:checkpoint:", cfg.Checkpoint.Redis.KeyPrefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FUSION_SERVER_PORT", "7070")
	t.Setenv("FUSION_MODEL_NUMERICAL_FEATURES", "3")
	t.Setenv("FUSION_CHECKPOINT_DIR", "/tmp/ckpt")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Model.NumericalFeatures)
	assert.Equal(t, "/tmp/ckpt", cfg.Checkpoint.Dir)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	tests := []struct {
		name string
		body string
	}{
		{"port", "server:\n  port: 70000\n"},
		{"scaler mode", "model:\n  scaler_mode: sometimes\n"},
		{"numerical", "model:\n  numerical_features: 0\n"},
		{"dropout", "model:\n  dropout: 1.5\n"},
		{"backend", "encoder:\n  backend: tpu\n"},
		{"checkpoint", "checkpoint:\n  backend: s3\n"},
		{"batch", "batch:\n  worker_count: 0\n"},
		{"log level", "logging:\n  level: loud\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"rate limit", "server:\n  rate_limit:\n    burst: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	loader := NewLoader()
	_, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFile())

	changes := make(chan *Config, 4)
	require.NoError(t, loader.Watch(zap.NewNop(), func(c *Config) { changes <- c }))

	// invalid edits are skipped, the next valid one is delivered
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Logging.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("configuration change was not delivered")
		}
	}
}

func TestWatchWithoutFile(t *testing.T) {
	loader := NewLoader()
	_, err := loader.Load("")
	require.NoError(t, err)
	assert.Error(t, loader.Watch(zap.NewNop(), func(*Config) {}))
}
