package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrLockNotAcquired is returned when the mutex could not be acquired within
// the retry budget. Callers surface it as HTTP 409 with a retry-after hint.
var ErrLockNotAcquired = errors.New("lock not acquired")

// LockOptions tunes one WithLock call.
type LockOptions struct {
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultPaymentLock matches the proxy's payment pipeline settings.
var DefaultPaymentLock = LockOptions{
	TTL:        15 * time.Second,
	MaxRetries: 5,
	RetryDelay: 200 * time.Millisecond,
}

// WithLock runs fn while holding a distributed mutex on key.
//
// Acquisition is a conditional set-if-absent carrying a fresh 128-bit holder
// token with the lease TTL. On contention the caller takes a position in a
// bounded wait queue and retries up to MaxRetries times with RetryDelay
// between attempts, scaled by queue position so waiters don't stampede.
// Release is a compare-and-delete of the holder token, so a holder whose
// lease expired cannot delete its successor's lease.
//
// If the backing store is unreachable, the mutex degrades to best-effort:
// fn runs unlocked and the bypass is logged. Double-spend protection then
// rests on the database's unique signature constraint and row-level locks.
func (s *Store) WithLock(ctx context.Context, key string, opts LockOptions, fn func(ctx context.Context) error) error {
	token, err := lockToken()
	if err != nil {
		return fmt.Errorf("failed to generate lock token: %w", err)
	}

	acquired := false
	var position int64
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		ok, err := s.backend.SetNX(ctx, key, token, opts.TTL)
		if err != nil {
			slog.Warn("mutex backend unreachable, proceeding best-effort", "key", key, "error", err)
			return fn(ctx)
		}
		if ok {
			acquired = true
			break
		}

		if attempt == opts.MaxRetries {
			break
		}

		// Take a queue position on first contention so later waiters back
		// off longer than earlier ones.
		if position == 0 {
			position = s.queuePosition(ctx, key, opts.TTL)
		}

		delay := opts.RetryDelay
		if position > 1 {
			delay += time.Duration(position-1) * (opts.RetryDelay / 4)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if !acquired {
		return ErrLockNotAcquired
	}

	defer func() {
		released, err := s.backend.CompareAndDelete(context.WithoutCancel(ctx), key, token)
		if err != nil {
			slog.Warn("failed to release lock", "key", key, "error", err)
		} else if !released {
			// Lease expired while fn ran; the successor owns the key now.
			slog.Warn("lock lease expired before release", "key", key)
		}
	}()

	return fn(ctx)
}

// queuePosition assigns the caller a contention rank for backoff scaling.
// Best-effort: a backend error just means position 1.
func (s *Store) queuePosition(ctx context.Context, key string, ttl time.Duration) int64 {
	waitKey := key + ":waiters"
	n, err := s.backend.Incr(ctx, waitKey)
	if err != nil {
		return 1
	}
	if n == 1 {
		_ = s.backend.Expire(ctx, waitKey, ttl)
	}
	return n
}

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
