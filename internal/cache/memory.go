package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend used by unit tests across packages.
// It honors TTLs against the wall clock (overridable via Now for expiry
// tests) and is safe for concurrent use.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]memoryEntry

	// Now supplies the clock; tests may replace it.
	Now func() time.Time

	// FailAll simulates an unreachable backend when set.
	FailAll error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string]memoryEntry),
		Now:  time.Now,
	}
}

func (m *MemoryBackend) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.Now().After(e.expiresAt)
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return "", m.FailAll
	}
	e, ok := m.data[key]
	if !ok || m.expired(e) {
		delete(m.data, key)
		return "", ErrCacheMiss
	}
	return e.value, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return m.FailAll
	}
	m.data[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryBackend) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return false, m.FailAll
	}
	if e, ok := m.data[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.data[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryBackend) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return false, m.FailAll
	}
	e, ok := m.data[key]
	if !ok || m.expired(e) || e.value != expected {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return m.FailAll
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return 0, m.FailAll
	}
	e, ok := m.data[key]
	if !ok || m.expired(e) {
		m.data[key] = memoryEntry{value: "1"}
		return 1, nil
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	m.data[key] = e
	return n, nil
}

func (m *MemoryBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return m.FailAll
	}
	if e, ok := m.data[key]; ok {
		e.expiresAt = m.expiry(ttl)
		m.data[key] = e
	}
	return nil
}

func (m *MemoryBackend) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return 0, m.FailAll
	}
	e, ok := m.data[key]
	if !ok || m.expired(e) {
		return -2 * time.Second, nil
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return e.expiresAt.Sub(m.Now()), nil
}

func (m *MemoryBackend) Ping(_ context.Context) error {
	if m.FailAll != nil {
		return m.FailAll
	}
	return nil
}

func (m *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}
