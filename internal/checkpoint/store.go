package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a named checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// ErrInvalidName is returned for names that are not safe as file names or keys.
var ErrInvalidName = errors.New("invalid checkpoint name")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Info describes a stored checkpoint.
type Info struct {
	Name      string    `json:"name" db:"name"`
	Size      int64     `json:"size" db:"size"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Store persists encoded containers under a name.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]Info, error)
	Close() error
}

// Config selects and configures the checkpoint store
type Config struct {
	Backend  string         `yaml:"backend" mapstructure:"backend"` // file, redis or postgres
	Dir      string         `yaml:"dir" mapstructure:"dir"`
	Autoload string         `yaml:"autoload" mapstructure:"autoload"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// NewStore creates the store named by config.Backend.
func NewStore(config *Config, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(config.Backend) {
	case "", "file":
		return NewFileStore(config.Dir, logger)
	case "redis":
		return NewRedisStore(&config.Redis, logger)
	case "postgres":
		return NewPostgresStore(&config.Postgres, logger)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", config.Backend)
	}
}

// ValidateName rejects names that could escape a directory or key namespace.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// WriteFile writes data to path via a temp file in the same directory and a
// rename, so readers never observe a partial checkpoint.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// ReadFile reads a checkpoint file, mapping a missing file to ErrNotFound.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return data, nil
}

func maskURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
