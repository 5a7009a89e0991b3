package cache

import (
	"context"
	"time"
)

// IdempotencyTTL is how long a cached successful response stays replayable.
const IdempotencyTTL = 24 * time.Hour

const idempotencyPrefix = "idem:"

// SetIdempotent stores a successful response body under an opaque key.
// The proxy writes each response under the payment identifier and, when the
// client supplied one, its idempotency key.
func (s *Store) SetIdempotent(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	return s.backend.Set(ctx, idempotencyPrefix+key, string(body), ttl)
}

// GetIdempotent returns the cached response body for a key, or ErrCacheMiss.
// Backend failures read as misses so the pipeline re-executes rather than
// erroring.
func (s *Store) GetIdempotent(ctx context.Context, key string) ([]byte, error) {
	val, err := s.backend.Get(ctx, idempotencyPrefix+key)
	if err != nil {
		return nil, ErrCacheMiss
	}
	return []byte(val), nil
}
