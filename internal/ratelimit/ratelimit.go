// Package ratelimit counts requests per wallet over a rolling window.
// Charge and reward traffic use separate buckets and separate limits. The
// limiter is best-effort: an unreachable counter store never blocks a
// request, it only logs the bypass.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"blinkgate/internal/cache"
)

// Scopes name the two independent buckets.
const (
	ScopeCharge = "charge"
	ScopeReward = "reward"
)

// Result is the outcome of one limit check, with everything the HTTP layer
// needs for X-Ratelimit-* headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is always the full window: callers are told to come back
	// once a whole window has passed, regardless of where in the current
	// one they were denied.
	RetryAfter time.Duration
	// Reset is the time left until the current window expires.
	Reset time.Duration
	// Bypassed is set when the counter store was unreachable and the
	// request was let through unchecked.
	Bypassed bool
}

// Limiter enforces per-wallet request counts.
type Limiter struct {
	backend cache.Backend
	window  time.Duration
	logger  *slog.Logger
}

// New creates a Limiter with the given window.
func New(backend cache.Backend, window time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{backend: backend, window: window, logger: logger}
}

// Allow counts one request from wallet in the scope's bucket and reports
// whether it fits under limit.
func (l *Limiter) Allow(ctx context.Context, scope, wallet string, limit int) *Result {
	key := fmt.Sprintf("ratelimit:%s:%s", scope, wallet)

	n, err := l.backend.Incr(ctx, key)
	if err != nil {
		l.logger.Warn("rate_limit_bypass", "scope", scope, "wallet", TruncateWallet(wallet), "error", err)
		return &Result{Allowed: true, Limit: limit, Remaining: 0, Bypassed: true}
	}
	if n == 1 {
		if err := l.backend.Expire(ctx, key, l.window); err != nil {
			l.logger.Warn("failed to set rate limit window", "scope", scope, "error", err)
		}
	}

	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}

	if int(n) > limit {
		reset := l.window
		if ttl, err := l.backend.TTL(ctx, key); err == nil && ttl > 0 {
			reset = ttl
		}
		return &Result{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: l.window, Reset: reset}
	}

	return &Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: l.window}
}

// TruncateWallet shortens an address for echoing in responses and logs.
func TruncateWallet(wallet string) string {
	if len(wallet) <= 10 {
		return wallet
	}
	return wallet[:4] + "..." + wallet[len(wallet)-4:]
}
