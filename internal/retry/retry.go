// Package retry provides generic retry with exponential backoff for the
// proxy's remote calls. Each remote surface carries a named policy so the
// timeout and backoff shape of a call site is visible at a glance.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy holds the retry configuration for one class of remote call.
type Policy struct {
	Name         string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Named policies for the proxy's remote surfaces.
var (
	// FacilitatorVerify covers verify/settle calls to the payment facilitator.
	FacilitatorVerify = Policy{
		Name:         "facilitator_verify",
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}

	// UpstreamDispatch covers the forwarded call to the offer's endpoint.
	// One retry only; the 30s dispatch deadline leaves no room for more.
	UpstreamDispatch = Policy{
		Name:         "upstream_dispatch",
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	// BroadcastReward covers submitting reward transfers to the chain.
	BroadcastReward = Policy{
		Name:         "broadcast_reward",
		MaxAttempts:  3,
		InitialDelay: 300 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
	}

	// OnChainScan covers reference lookups on the chain, where a just-sent
	// transaction may not have propagated to the queried node yet.
	OnChainScan = Policy{
		Name:         "onchain_scan",
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}
)

// IsRetryable decides whether an error should trigger another attempt.
type IsRetryable func(error) bool

// Always treats every error as retryable.
func Always(error) bool { return true }

// Do executes fn under the policy, backing off exponentially between
// attempts and honoring context cancellation.
func Do[T any](ctx context.Context, p Policy, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := p.InitialDelay

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < p.MaxAttempts-1 {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * p.Multiplier)
				if delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("%s: retries exhausted: %w", p.Name, lastErr)
}
