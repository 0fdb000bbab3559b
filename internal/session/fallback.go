package session

import (
	"context"

	"github.com/openparish/parishd/internal/domain"
)

// RestoreFunc attempts a genuine session restore against the auth backend,
// returning the refreshed snapshot.
type RestoreFunc func(ctx context.Context) (*domain.CachedSessionState, error)

// Fallback adapts the snapshot cache and a restore function to the recovery
// pipeline's session fallback chain.
type Fallback struct {
	cache   *Cache
	restore RestoreFunc
}

// NewFallback creates the fallback source. restore may be nil when no
// backend restore is available.
func NewFallback(cache *Cache, restore RestoreFunc) *Fallback {
	return &Fallback{cache: cache, restore: restore}
}

// CachedState returns the fresh cached snapshot, if any.
func (f *Fallback) CachedState(ctx context.Context) (*domain.CachedSessionState, bool) {
	return f.cache.Get(ctx)
}

// RestoreSession runs the configured backend restore.
func (f *Fallback) RestoreSession(ctx context.Context) (*domain.CachedSessionState, error) {
	if f.restore == nil {
		return nil, domain.ErrSessionNotFound
	}
	return f.restore(ctx)
}
