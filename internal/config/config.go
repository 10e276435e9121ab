package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"

	"github.com/raaihank/fusion-encoder/internal/encoder"
	"github.com/raaihank/fusion-encoder/internal/scaler"
)

// Loader reads configuration through its own viper instance so that it can
// later watch the same file.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with an empty viper instance.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return NewLoader().Load(configPath)
}

// Load reads defaults, then the config file (if any), then FUSION_*
// environment overrides.
func (l *Loader) Load(configPath string) (*Config, error) {
	v := l.v

	if err := setDefaults(v, GetDefaults()); err != nil {
		return nil, err
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/fusion-encoder/")
	v.AddConfigPath("$HOME/.fusion-encoder/")

	v.SetEnvPrefix("FUSION")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configPath == "" && errors.Is(err, fs.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults registers every key of defaults with viper. Keys viper knows
// about can be overridden from the environment even when the config file does
// not mention them, and they survive a reload on file change.
func setDefaults(v *viper.Viper, defaults *Config) error {
	raw, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	flattenDefaults(v, "", tree)
	return nil
}

func flattenDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok && len(nested) > 0 {
			flattenDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, value)
	}
}

// ConfigFile returns the file the configuration was read from, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the file changes and hands every
// valid result to callback. Invalid edits are logged and skipped.
func (l *Loader) Watch(logger *zap.Logger, callback func(*Config)) error {
	if l.v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := &Config{}
		if err := l.v.Unmarshal(newConfig); err != nil {
			logger.Error("Failed to reload configuration", zap.String("file", e.Name), zap.Error(err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			logger.Error("Ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}

		logger.Info("Configuration reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		callback(newConfig)
	})
	l.v.WatchConfig()

	return nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.RateLimit.Enabled && (config.Server.RateLimit.RequestsPerSecond <= 0 || config.Server.RateLimit.Burst <= 0) {
		return fmt.Errorf("invalid rate limit: %v req/s, burst %d", config.Server.RateLimit.RequestsPerSecond, config.Server.RateLimit.Burst)
	}

	if config.Model.NumericalFeatures <= 0 {
		return fmt.Errorf("invalid numerical_features: %d (must be positive)", config.Model.NumericalFeatures)
	}

	if config.Model.ScalerMode != scaler.ModeRefit && config.Model.ScalerMode != scaler.ModeFrozen {
		return fmt.Errorf("invalid scaler mode: %s (must be refit or frozen)", config.Model.ScalerMode)
	}

	if config.Model.Dropout < 0 || config.Model.Dropout >= 1 {
		return fmt.Errorf("invalid dropout: %v (must be in [0, 1))", config.Model.Dropout)
	}

	if config.Encoder.Backend != encoder.BackendONNX && config.Encoder.Backend != encoder.BackendHash {
		return fmt.Errorf("invalid encoder backend: %s (must be onnx or hash)", config.Encoder.Backend)
	}

	if config.Encoder.MaxLength < 2 {
		return fmt.Errorf("invalid max_length: %d (must be at least 2)", config.Encoder.MaxLength)
	}

	switch config.Checkpoint.Backend {
	case "file", "redis", "postgres":
	default:
		return fmt.Errorf("invalid checkpoint backend: %s (must be file, redis, or postgres)", config.Checkpoint.Backend)
	}

	if config.Batch.BatchSize <= 0 || config.Batch.WorkerCount <= 0 {
		return fmt.Errorf("invalid batch settings: batch_size=%d worker_count=%d", config.Batch.BatchSize, config.Batch.WorkerCount)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}
