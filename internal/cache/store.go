// Package cache provides the shared key-value layer: the distributed payment
// mutex, the idempotent response cache, the read-through offer cache, and raw
// TTL keys used by challenges and rate counters. All capabilities share one
// Redis backing store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Backend is the narrow key-value contract the store needs. Production uses
// Redis; unit tests use the in-memory implementation from memory.go.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}

// Store composes the mutex, idempotency and read-through caches over a Backend.
type Store struct {
	backend Backend
}

// New creates a Store backed by Redis.
func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{backend: &redisBackend{rdb: rdb}}
}

// NewWithBackend creates a Store over a custom backend. Used by tests.
func NewWithBackend(b Backend) *Store {
	return &Store{backend: b}
}

// Backend exposes the raw key-value contract for collaborators (challenge
// service, rate limiter) that manage their own key layout.
func (s *Store) Backend() Backend {
	return s.backend
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// releaseScript deletes the lock key only when the holder token matches,
// so an expired holder cannot delete its successor's lease.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// redisBackend adapts go-redis to the Backend contract.
type redisBackend struct {
	rdb *redis.Client
}

func (b *redisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (b *redisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (b *redisBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (b *redisBackend) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := b.rdb.Eval(ctx, releaseScript, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return res == 1, nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (b *redisBackend) Incr(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

func (b *redisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (b *redisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := b.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	return d, nil
}

func (b *redisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// GetOrFetch is a read-through cache: on miss it calls fetch, stores the
// JSON-encoded result under key with the given TTL, and returns it.
// Backend failures degrade to a direct fetch.
func GetOrFetch[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	cached, err := s.backend.Get(ctx, key)
	if err == nil {
		var v T
		if jsonErr := json.Unmarshal([]byte(cached), &v); jsonErr == nil {
			return v, nil
		}
		// Corrupt entry: drop it and fall through to fetch.
		_ = s.backend.Delete(ctx, key)
	} else if !errors.Is(err, ErrCacheMiss) {
		slog.Warn("cache unavailable, fetching directly", "key", key, "error", err)
	}

	v, err := fetch(ctx)
	if err != nil {
		return zero, err
	}

	if encoded, jsonErr := json.Marshal(v); jsonErr == nil {
		if setErr := s.backend.Set(ctx, key, string(encoded), ttl); setErr != nil {
			slog.Warn("failed to populate cache", "key", key, "error", setErr)
		}
	}
	return v, nil
}

// Invalidate removes a read-through cache entry.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}
