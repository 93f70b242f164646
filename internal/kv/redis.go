// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore is the Redis-backed implementation of Store.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
	stats  struct {
		hits      atomic.Int64
		misses    atomic.Int64
		sets      atomic.Int64
		publishes atomic.Int64
	}
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

const opTimeout = 2 * time.Second

// Reconnect backoff bounds for the pub/sub transport.
const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    5,
		MinRetryBackoff: backoffInitial,
		MaxRetryBackoff: backoffMax,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis")

	return &RedisStore{
		client: client,
		logger: logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client (tests).
func NewRedisStoreFromClient(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

// Get retrieves a string value.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.stats.misses.Add(1)
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.unavailable("get", key, err)
	}
	s.stats.hits.Add(1)
	return val, nil
}

// Set stores a string value with TTL. With SetIfAbsent it returns false when
// the key already exists; with SetAlways it always returns true on success.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration, mode SetMode) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		ok  bool
		err error
	)
	switch mode {
	case SetIfAbsent:
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()
	default:
		err = s.client.Set(ctx, key, value, ttl).Err()
		ok = err == nil
	}
	if err != nil {
		return false, s.unavailable("set", key, err)
	}
	s.stats.sets.Add(1)
	return ok, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return s.unavailable("delete", key, err)
	}
	return nil
}

// Publish sends a payload to a topic.
func (s *RedisStore) Publish(ctx context.Context, topic, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, topic, payload).Err(); err != nil {
		return s.unavailable("publish", topic, err)
	}
	s.stats.publishes.Add(1)
	return nil
}

// Eval runs a server-side script. Used by the lock coordinator for
// owner-checked release and extend.
func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.Eval(ctx, script, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, s.unavailable("eval", "", err)
	}
	return res, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Stats is a point-in-time snapshot of adapter counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Publishes int64
}

// Stats returns the adapter counters.
func (s *RedisStore) Stats() Stats {
	return Stats{
		Hits:      s.stats.hits.Load(),
		Misses:    s.stats.misses.Load(),
		Sets:      s.stats.sets.Load(),
		Publishes: s.stats.publishes.Load(),
	}
}

func (s *RedisStore) unavailable(op, key string, err error) error {
	s.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("redis operation failed")
	return fmt.Errorf("%w: %s %s: %v", ErrStoreUnavailable, op, key, err)
}
