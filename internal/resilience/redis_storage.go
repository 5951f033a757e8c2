package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisOptions defines the configuration for the Redis breaker storage
type RedisOptions struct {
	// Address is the Redis server address
	Address string
	// Password is the Redis server password
	Password string
	// DB is the Redis database number
	DB int
	// KeyPrefix is the prefix for all breaker keys
	KeyPrefix string
	// KeyExpiration is the expiration time for breaker keys
	KeyExpiration time.Duration
	// DialTimeout is the timeout for establishing new connections
	DialTimeout time.Duration
	// ReadTimeout is the timeout for socket reads
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for socket writes
	WriteTimeout time.Duration
}

// DefaultRedisOptions returns the default Redis options
func DefaultRedisOptions() *RedisOptions {
	return &RedisOptions{
		Address:       "localhost:6379",
		KeyPrefix:     "jaap:breaker:",
		KeyExpiration: 24 * time.Hour,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
	}
}

// RedisBreakerStorage is a Redis implementation of BreakerStorage. It lets
// several runner processes share one circuit breaker, so a remote dependency
// tripped by one run stays tripped for the others. Redis failures fall back
// to a process-local snapshot rather than failing the run.
type RedisBreakerStorage struct {
	client   redis.Cmdable
	options  *RedisOptions
	fallback *InMemoryBreakerStorage
	logger   *zap.Logger
}

// NewRedisBreakerStorage creates a new Redis-backed breaker storage
func NewRedisBreakerStorage(options *RedisOptions, logger *zap.Logger) *RedisBreakerStorage {
	if options == nil {
		options = DefaultRedisOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         options.Address,
		Password:     options.Password,
		DB:           options.DB,
		DialTimeout:  options.DialTimeout,
		ReadTimeout:  options.ReadTimeout,
		WriteTimeout: options.WriteTimeout,
	})

	return &RedisBreakerStorage{
		client:   client,
		options:  options,
		fallback: NewInMemoryBreakerStorage(),
		logger:   logger,
	}
}

// NewRedisBreakerStorageWithClient creates a Redis-backed breaker storage
// around an existing client, used by tests
func NewRedisBreakerStorageWithClient(client redis.Cmdable, options *RedisOptions, logger *zap.Logger) *RedisBreakerStorage {
	if options == nil {
		options = DefaultRedisOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisBreakerStorage{
		client:   client,
		options:  options,
		fallback: NewInMemoryBreakerStorage(),
		logger:   logger,
	}
}

func (s *RedisBreakerStorage) key(name string) string {
	return s.options.KeyPrefix + name
}

// Load returns the persisted snapshot for a breaker, or nil if none exists
func (s *RedisBreakerStorage) Load(ctx context.Context, name string) (*BreakerSnapshot, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.logger.Warn("redis breaker load failed, using local fallback",
			zap.String("breaker", name),
			zap.Error(err))
		return s.fallback.Load(ctx, name)
	}

	var snapshot BreakerSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Save persists the snapshot for a breaker
func (s *RedisBreakerStorage) Save(ctx context.Context, name string, snapshot *BreakerSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key(name), data, s.options.KeyExpiration).Err(); err != nil {
		s.logger.Warn("redis breaker save failed, using local fallback",
			zap.String("breaker", name),
			zap.Error(err))
		return s.fallback.Save(ctx, name, snapshot)
	}

	// Keep the fallback current so a later Redis outage sees fresh state.
	return s.fallback.Save(ctx, name, snapshot)
}
