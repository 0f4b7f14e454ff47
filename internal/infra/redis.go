// Package infra provides the concrete store adapters the service is wired
// with: a go-redis client behind the minimal key-value and pub/sub interfaces
// the caches declare, and the Postgres pools for the primary and time-series
// stores.
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrKeyNotFound is returned by Get when the key does not exist. Callers
// treat it as a cache miss, never as a failure.
var ErrKeyNotFound = fmt.Errorf("key not found")

// RedisAdapter wraps go-redis v9 behind the narrow interfaces the decision
// cache, blacklist, threat-intel budget, and event bus expect.
type RedisAdapter struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewRedisAdapter connects and pings. The caller decides whether a failed
// connection is fatal (it is at bootstrap).
func NewRedisAdapter(addr, password string, db int, logger zerolog.Logger) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	logger.Info().Str("addr", addr).Int("db", db).Msg("Redis connected")
	return &RedisAdapter{rdb: rdb, logger: logger}, nil
}

// Close shuts down the underlying redis client.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// Ping reports store reachability for readiness checks.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// Key-value operations
// =============================================================================

func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (a *RedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

// IncrWithTTL atomically increments a counter, stamping the TTL when the key
// is created. Used for the shared per-window provider budgets: a new window
// key starts at 1, so concurrent resets are naturally idempotent.
func (a *RedisAdapter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := a.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// =============================================================================
// Pub/Sub operations
// =============================================================================

func (a *RedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel and
// returns an unsubscribe function.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
