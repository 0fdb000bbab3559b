package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openparish/parishd/internal/metrics"
)

// DefaultMemoryCapacity bounds the in-memory fallback tier.
const DefaultMemoryCapacity = 100

type memoryEntry struct {
	value     string
	storedAt  time.Time
	expiresAt time.Time // zero = no expiry
}

// memoryTier is the last-resort tier: a capped map with per-entry TTL and
// oldest-first eviction when full. It never fails.
type memoryTier struct {
	mu       sync.RWMutex
	entries  map[string]*memoryEntry
	capacity int
	clock    clockwork.Clock
}

// NewMemoryTier creates the in-memory tier. capacity <= 0 uses the default.
func NewMemoryTier(capacity int, clock clockwork.Clock) Tier {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &memoryTier{
		entries:  make(map[string]*memoryEntry),
		capacity: capacity,
		clock:    clock,
	}
}

func (m *memoryTier) Name() string { return "memory" }

func (m *memoryTier) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && m.clock.Now().After(entry.expiresAt) {
		// Expired entries count as misses; eviction happens on write or
		// via the periodic sweep (read path holds only the read lock).
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *memoryTier) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.capacity {
		m.evictOldestLocked()
	}

	entry := &memoryEntry{value: value, storedAt: now}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.entries[key] = entry
	metrics.MemoryTierEntries.Set(float64(len(m.entries)))
	return nil
}

func (m *memoryTier) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	metrics.MemoryTierEntries.Set(float64(len(m.entries)))
	return nil
}

func (m *memoryTier) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.entries {
		if prefix == "" || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memoryTier) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
		metrics.MemoryTierEvictions.WithLabelValues("capacity").Inc()
	}
}

// EvictExpired removes expired entries and returns the count evicted.
func (m *memoryTier) EvictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	evicted := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.MemoryTierEvictions.WithLabelValues("expired").Add(float64(evicted))
		metrics.MemoryTierEntries.Set(float64(len(m.entries)))
	}
	return evicted
}

// StartEvictionTimer starts a background sweep of expired entries.
// Returns a stop function that must be called on teardown.
func StartEvictionTimer(t Tier, interval time.Duration, clock clockwork.Clock) func() {
	m, ok := t.(*memoryTier)
	if !ok {
		return func() {}
	}

	ticker := clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if evicted := m.EvictExpired(); evicted > 0 {
					slog.Debug("Evicted expired memory tier entries", "count", evicted)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
