package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedOffer struct {
	Slug  string `json:"slug"`
	Price int64  `json:"price"`
}

func TestGetOrFetch(t *testing.T) {
	ctx := context.Background()
	store := NewWithBackend(NewMemoryBackend())

	calls := 0
	fetch := func(ctx context.Context) (cachedOffer, error) {
		calls++
		return cachedOffer{Slug: "summarize", Price: 10_000}, nil
	}

	first, err := GetOrFetch(ctx, store, "offer:summarize", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "summarize", first.Slug)
	assert.Equal(t, 1, calls)

	second, err := GetOrFetch(ctx, store, "offer:summarize", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "second read must come from cache")
}

func TestGetOrFetch_FetchErrorNotCached(t *testing.T) {
	ctx := context.Background()
	store := NewWithBackend(NewMemoryBackend())

	boom := errors.New("db down")
	_, err := GetOrFetch(ctx, store, "offer:x", time.Minute, func(ctx context.Context) (cachedOffer, error) {
		return cachedOffer{}, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := GetOrFetch(ctx, store, "offer:x", time.Minute, func(ctx context.Context) (cachedOffer, error) {
		return cachedOffer{Slug: "x"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "x", v.Slug)
}

func TestGetOrFetch_CorruptEntryRefetched(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := NewWithBackend(backend)

	require.NoError(t, backend.Set(ctx, "offer:bad", "{not json", time.Minute))

	v, err := GetOrFetch(ctx, store, "offer:bad", time.Minute, func(ctx context.Context) (cachedOffer, error) {
		return cachedOffer{Slug: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v.Slug)

	// The corrupt entry was replaced by the fetched value.
	raw, err := backend.Get(ctx, "offer:bad")
	require.NoError(t, err)
	assert.JSONEq(t, `{"slug":"fresh","price":0}`, raw)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	store := NewWithBackend(NewMemoryBackend())

	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	_, err := GetOrFetch(ctx, store, "k", time.Minute, fetch)
	require.NoError(t, err)
	require.NoError(t, store.Invalidate(ctx, "k"))

	v, err := GetOrFetch(ctx, store, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestIdempotentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewWithBackend(NewMemoryBackend())

	_, err := store.GetIdempotent(ctx, "ref-1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	body := []byte(`{"success":true,"reference":"ref-1"}`)
	require.NoError(t, store.SetIdempotent(ctx, "ref-1", body, IdempotencyTTL))

	got, err := store.GetIdempotent(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestIdempotentKeysDoNotCollideWithRawKeys(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := NewWithBackend(backend)

	require.NoError(t, backend.Set(ctx, "ref-1", "raw-value", time.Minute))
	require.NoError(t, store.SetIdempotent(ctx, "ref-1", []byte("cached-response"), time.Minute))

	raw, err := backend.Get(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "raw-value", raw)
}

func TestMemoryBackendExpiry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	require.NoError(t, backend.Set(ctx, "k", "v", 10*time.Millisecond))
	_, err := backend.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = backend.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryBackendCounters(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	n, err := backend.Incr(ctx, "bucket")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = backend.Incr(ctx, "bucket")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, backend.Expire(ctx, "bucket", time.Minute))
	ttl, err := backend.TTL(ctx, "bucket")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
