package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var tablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresConfig contains database configuration for the checkpoint registry
type PostgresConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	Table           string        `yaml:"table" mapstructure:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// PostgresStore keeps checkpoints as bytea rows keyed by name.
type PostgresStore struct {
	db     *sqlx.DB
	table  string
	logger *zap.Logger
}

// NewPostgresStore connects and creates the checkpoint table if missing.
func NewPostgresStore(config *PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	table := config.Table
	if table == "" {
		table = "fusion_checkpoints"
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid checkpoint table name %q", table)
	}

	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &PostgresStore{db: db, table: table, logger: logger}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}

	logger.Info("Postgres checkpoint store initialized",
		zap.String("database_url", maskURL(config.DatabaseURL)),
		zap.String("table", table),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

func (s *PostgresStore) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name       TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			size       BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// Put inserts or replaces a checkpoint.
func (s *PostgresStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, data, size, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE
		SET data = EXCLUDED.data, size = EXCLUDED.size, updated_at = EXCLUDED.updated_at`, s.table)

	if _, err := s.db.ExecContext(ctx, query, name, data, len(data)); err != nil {
		s.logger.Error("Failed to store checkpoint", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint stored in Postgres", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

// Get fetches a checkpoint.
func (s *PostgresStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var data []byte
	query := fmt.Sprintf(`SELECT data FROM %s WHERE name = $1`, s.table)
	err := s.db.GetContext(ctx, &data, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoint: %w", err)
	}
	return data, nil
}

// List returns checkpoint metadata ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]Info, error) {
	var infos []Info
	query := fmt.Sprintf(`SELECT name, size, updated_at FROM %s ORDER BY name`, s.table)
	if err := s.db.SelectContext(ctx, &infos, query); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return infos, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
