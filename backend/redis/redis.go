// Package redis adapts a Redis server to the backend.Backend interface.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	"github.com/fragcache/fragcache/backend"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr         string        `env:"FRAGCACHE_REDIS_ADDR" envDefault:"localhost:6379"`
	Password     string        `env:"FRAGCACHE_REDIS_PASSWORD"`
	DB           int           `env:"FRAGCACHE_REDIS_DB" envDefault:"0"`
	DialTimeout  time.Duration `env:"FRAGCACHE_REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"FRAGCACHE_REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"FRAGCACHE_REDIS_WRITE_TIMEOUT" envDefault:"3s"`
	PoolSize     int           `env:"FRAGCACHE_REDIS_POOL_SIZE" envDefault:"10"`
	MaxRetries   int           `env:"FRAGCACHE_REDIS_MAX_RETRIES" envDefault:"3"`
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	}
}

// ConfigFromEnv reads the connection settings from FRAGCACHE_REDIS_*
// environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("redis: parse env config: %w", err)
	}
	return cfg, nil
}

// Store is a Redis-backed fragment store.
type Store struct {
	client *redis.Client
}

// New connects a Store using the given config.
func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	})
	return &Store{client: client}
}

// NewWithClient wraps an existing go-redis client, for callers that
// share one connection pool across subsystems.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get retrieves a stored value. redis.Nil is a plain miss; any other
// error is surfaced for the caller's fail-open handling.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores a value. TTL<=0 stores without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %q: %w", key, err)
	}
	return nil
}

// Delete removes a value. Idempotent - deleting a missing key is not
// an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: del %q: %w", key, err)
	}
	return nil
}

// Ping checks connectivity, for startup health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ensure Store implements Backend
var _ backend.Backend = (*Store)(nil)
