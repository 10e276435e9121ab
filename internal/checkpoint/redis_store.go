package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig contains Redis checkpoint store configuration
type RedisConfig struct {
	URL            string        `yaml:"url" mapstructure:"url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL            time.Duration `yaml:"ttl" mapstructure:"ttl"` // 0 keeps checkpoints forever
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// RedisStore keeps each checkpoint under <prefix>data:<name> and an index hash
// of Info records under <prefix>index.
type RedisStore struct {
	client *redis.Client
	config *RedisConfig
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config *RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	store := &RedisStore{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.client.Ping(ctx).Result(); err != nil {
		store.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis checkpoint store initialized",
		zap.String("redis_url", maskURL(config.URL)),
		zap.String("key_prefix", config.KeyPrefix),
		zap.Duration("ttl", config.TTL))

	return store, nil
}

func (s *RedisStore) dataKey(name string) string {
	return s.config.KeyPrefix + "data:" + name
}

func (s *RedisStore) indexKey() string {
	return s.config.KeyPrefix + "index"
}

// Put stores the checkpoint and its index entry in one transaction.
func (s *RedisStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	info, err := json.Marshal(Info{Name: name, Size: int64(len(data)), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint info: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.dataKey(name), data, s.config.TTL)
		pipe.HSet(ctx, s.indexKey(), name, info)
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to store checkpoint", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint stored in Redis", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

// Get fetches a checkpoint.
func (s *RedisStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.dataKey(name)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoint: %w", err)
	}
	return data, nil
}

// List returns indexed checkpoints whose data has not expired, pruning
// stale index entries on the way.
func (s *RedisStore) List(ctx context.Context) ([]Info, error) {
	entries, err := s.client.HGetAll(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(names))
	for i, name := range names {
		exists[i] = pipe.Exists(ctx, s.dataKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check checkpoint keys: %w", err)
	}

	var infos []Info
	var stale []string
	for i, name := range names {
		if exists[i].Val() == 0 {
			stale = append(stale, name)
			continue
		}
		var info Info
		if err := json.Unmarshal([]byte(entries[name]), &info); err != nil {
			s.logger.Warn("Corrupt checkpoint index entry", zap.String("name", name), zap.Error(err))
			stale = append(stale, name)
			continue
		}
		infos = append(infos, info)
	}

	if len(stale) > 0 {
		if err := s.client.HDel(ctx, s.indexKey(), stale...).Err(); err != nil {
			s.logger.Warn("Failed to prune checkpoint index", zap.Error(err))
		}
	}
	return infos, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
