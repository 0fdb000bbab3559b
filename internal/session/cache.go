// Package session manages persisted session state: the TTL-bounded
// {user, role} snapshot cache, the durable session artifact, validation of
// stored sessions and the cleanup path for corrupted state.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openparish/parishd/internal/domain"
	"github.com/openparish/parishd/internal/metrics"
	"github.com/openparish/parishd/internal/storage"
)

// DefaultCacheTTL bounds how long a cached session snapshot may be served.
const DefaultCacheTTL = 30 * time.Minute

// Cache holds the last known-good {user, role} snapshot. It is written on
// every successful authentication and read during fallback.
type Cache struct {
	store *storage.Manager
	clock clockwork.Clock
	ttl   time.Duration
}

// NewCache creates a snapshot cache. ttl <= 0 uses the default.
func NewCache(store *storage.Manager, ttl time.Duration, clock clockwork.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{store: store, clock: clock, ttl: ttl}
}

// Capture persists the snapshot with an absolute expiry. It also writes a
// minimal copy that the quota purge is allowed to sacrifice.
func (c *Cache) Capture(ctx context.Context, user domain.User, role domain.UserRole) {
	now := c.clock.Now()
	snapshot := domain.CachedSessionState{
		User:       user,
		Role:       role,
		CapturedAt: now,
		ExpiresAt:  now.Add(c.ttl),
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		slog.Error("Failed to marshal session snapshot", "error", err)
		return
	}
	if err := c.store.Set(ctx, storage.KeyUser, string(data), storage.SetOptions{TTL: c.ttl}); err != nil {
		slog.Warn("Failed to persist session snapshot", "error", err)
	}

	minimal, err := json.Marshal(domain.User{ID: user.ID, Email: user.Email, RoleName: user.RoleName})
	if err == nil {
		_ = c.store.Set(ctx, storage.KeyUserMinimal, string(minimal), storage.SetOptions{TTL: c.ttl})
	}
}

// Get returns the snapshot if present and not expired. Expired snapshots are
// removed on read.
func (c *Cache) Get(ctx context.Context) (*domain.CachedSessionState, bool) {
	raw, ok := c.store.Get(ctx, storage.KeyUser)
	if !ok {
		metrics.SessionCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}

	var snapshot domain.CachedSessionState
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		slog.Warn("Discarding unreadable session snapshot", "error", err)
		c.store.Remove(ctx, storage.KeyUser)
		metrics.SessionCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}

	if snapshot.Expired(c.clock.Now()) {
		metrics.SessionCacheHits.WithLabelValues("expired").Inc()
		c.store.Remove(ctx, storage.KeyUser)
		return nil, false
	}

	metrics.SessionCacheHits.WithLabelValues("hit").Inc()
	return &snapshot, true
}

// Clear removes the snapshot and its minimal copy.
func (c *Cache) Clear(ctx context.Context) {
	c.store.Remove(ctx, storage.KeyUser)
	c.store.Remove(ctx, storage.KeyUserMinimal)
}
