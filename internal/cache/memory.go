package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// sweepInterval is how often the background loop evicts expired entries.
const sweepInterval = time.Minute

// memEntry wraps a cached value with its expiration time.
type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-process cache with per-entry TTL and prefix invalidation.
// It is safe for concurrent use; a background goroutine evicts expired
// entries so the map does not grow unbounded between reads.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memEntry
	max   int

	hits   atomic.Uint64
	misses atomic.Uint64

	done chan struct{}
}

// NewMemory creates a Memory cache holding at most maxSize entries
// (non-positive means unbounded) and starts its sweep loop. The loop stops
// when ctx is cancelled or Close is called.
func NewMemory(ctx context.Context, maxSize int) *Memory {
	m := &Memory{
		items: make(map[string]memEntry),
		max:   maxSize,
		done:  make(chan struct{}),
	}
	go m.sweep(ctx)
	return m
}

// Get retrieves a value if present and not expired. Expired entries are
// removed lazily on access.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, false
	}

	m.hits.Add(1)
	return e.data, true
}

// Set stores a value with a per-entry TTL. Non-positive TTLs get one hour.
// At capacity, inserting a new key evicts the earliest-expiring entry.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.mu.Lock()
	if m.max > 0 && len(m.items) >= m.max {
		if _, exists := m.items[key]; !exists {
			m.evictSoonest()
		}
	}
	m.items[key] = memEntry{data: val, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// evictSoonest drops the entry closest to expiry. Callers hold mu.
func (m *Memory) evictSoonest() {
	var victim string
	var at time.Time
	for k, e := range m.items {
		if victim == "" || e.expiresAt.Before(at) {
			victim, at = k, e.expiresAt
		}
	}
	if victim != "" {
		delete(m.items, victim)
	}
}

// Delete removes a key. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// DeletePrefix removes every key beginning with prefix.
func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// Clear removes all entries.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]memEntry)
	m.mu.Unlock()
	return nil
}

// Stats reports cumulative hit/miss counters and the live entry count.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	n := len(m.items)
	m.mu.RUnlock()
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load(), Entries: int64(n)}
}

// Close stops the sweep loop.
func (m *Memory) Close() {
	close(m.done)
}

func (m *Memory) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Memory) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	for k, e := range m.items {
		if now.After(e.expiresAt) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}
