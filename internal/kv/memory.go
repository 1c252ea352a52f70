package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore implements Store in process memory.
// Values are copied on the way in and out so callers cannot alias stored bytes.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]memoryEntry
	clock func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for TTL evaluation.
func WithMemoryClock(clock func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		data:  make(map[string]memoryEntry),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || isExpired(entry.expiresAt, m.clock()) {
		return nil, ErrNotFound
	}
	result := make([]byte, len(entry.value))
	copy(result, entry.value)
	return result, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{value: stored, expiresAt: expiryFor(m.clock(), ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	now := m.clock()

	m.mu.RLock()
	keys := make([]string, 0)
	for key, entry := range m.data {
		if strings.HasPrefix(key, prefix) && !isExpired(entry.expiresAt, now) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// PurgeExpired drops up to limit expired entries, all of them when limit <= 0.
func (m *MemoryStore) PurgeExpired(_ context.Context, limit int) (int, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for key, entry := range m.data {
		if limit > 0 && purged >= limit {
			break
		}
		if isExpired(entry.expiresAt, now) {
			delete(m.data, key)
			purged++
		}
	}
	return purged, nil
}

// Len reports the number of stored keys, including expired ones not yet reclaimed.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
