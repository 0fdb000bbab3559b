package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openparish/parishd/internal/domain"
	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/metrics"
	"github.com/openparish/parishd/internal/storage"
)

// DefaultStaleness is how old a stored session may be before it is rejected
// even with unexpired tokens.
const DefaultStaleness = 7 * 24 * time.Hour

// Validator checks stored sessions for usability and owns the cleanup path
// for sessions that fail.
type Validator struct {
	manager   *storage.Manager
	artifacts *Store
	cache     *Cache
	clock     clockwork.Clock
	staleness time.Duration

	mu        sync.Mutex
	signOut   func(ctx context.Context) error
	onCleanup []func()
}

// NewValidator creates a validator. staleness <= 0 uses the default.
func NewValidator(manager *storage.Manager, artifacts *Store, cache *Cache, staleness time.Duration, clock clockwork.Clock) *Validator {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Validator{
		manager:   manager,
		artifacts: artifacts,
		cache:     cache,
		clock:     clock,
		staleness: staleness,
	}
}

// SetSignOut installs the best-effort remote sign-out called during cleanup.
func (v *Validator) SetSignOut(fn func(ctx context.Context) error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.signOut = fn
}

// OnCleanup registers a hook invoked after every cleanup.
func (v *Validator) OnCleanup(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onCleanup = append(v.onCleanup, fn)
}

// Validate checks a session artifact for usability: token presence, token
// expiry, capture-time staleness and structural integrity. A nil artifact is
// corrupted by definition.
func (v *Validator) Validate(art *domain.SessionArtifact) error {
	if art == nil {
		return v.reject("malformed", apperrors.SessionCorruptedError("session artifact is missing", domain.ErrSessionCorrupted))
	}
	if art.AccessToken == "" && art.RefreshToken == "" {
		return v.reject("no_tokens", apperrors.AuthenticationError("stored session has no tokens", nil))
	}

	now := v.clock.Now()
	if art.ExpiresAt > 0 && now.Unix() > art.ExpiresAt {
		return v.reject("expired", apperrors.AuthenticationError("stored session is expired", domain.ErrSessionExpired))
	}
	if !art.CapturedAt.IsZero() && now.Sub(art.CapturedAt) > v.staleness {
		return v.reject("stale", apperrors.AuthenticationError("stored session is too old", domain.ErrSessionExpired))
	}
	if art.User == nil || art.User.ID == "" {
		return v.reject("malformed", apperrors.SessionCorruptedError("stored session has no user", domain.ErrSessionCorrupted))
	}

	return nil
}

func (v *Validator) reject(reason string, err *apperrors.Error) error {
	metrics.SessionValidationFailures.WithLabelValues(reason).Inc()
	return err
}

// CheckStored loads and validates the persisted artifact.
// domain.ErrSessionNotFound passes through untouched: an absent session is
// not a validation failure.
func (v *Validator) CheckStored(ctx context.Context) error {
	art, err := v.artifacts.Load(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		return v.reject("malformed", apperrors.SessionCorruptedError("stored session is unreadable", err))
	}
	return v.Validate(art)
}

// DetectInconsistency scans persisted auth keys for state that no longer
// holds together: entries that fail to parse, user snapshots with no session
// artifact behind them, artifacts that carry no user and metadata older than
// the staleness window. Used by the startup integrity check and the periodic
// validation loop.
func (v *Validator) DetectInconsistency(ctx context.Context) bool {
	present := make(map[string]bool)
	for _, key := range v.manager.KeysAcrossTiers(ctx, "auth.") {
		raw, ok := v.manager.Get(ctx, key)
		if !ok {
			continue
		}
		if !json.Valid([]byte(raw)) {
			slog.Warn("Inconsistent persisted auth entry", "key", key)
			return true
		}
		present[key] = true
	}

	hasArtifact := present[storage.KeySession] || present[storage.KeySessionBackup]
	hasUser := present[storage.KeyUser] || present[storage.KeyUserMinimal]
	if hasUser && !hasArtifact {
		slog.Warn("User snapshot persisted without a session artifact")
		return true
	}

	if hasArtifact {
		art, err := v.artifacts.Load(ctx)
		if err != nil {
			slog.Warn("Persisted session artifact is unreadable", "error", err)
			return true
		}
		if art.User == nil || art.User.ID == "" {
			slog.Warn("Persisted session artifact carries no user")
			return true
		}
	}

	if raw, ok := v.manager.Get(ctx, storage.KeyMetadata); ok {
		var meta Metadata
		if err := json.Unmarshal([]byte(raw), &meta); err == nil && !meta.UpdatedAt.IsZero() {
			if v.clock.Now().Sub(meta.UpdatedAt) > v.staleness {
				slog.Warn("Persisted session metadata is stale", "updated_at", meta.UpdatedAt)
				return true
			}
		}
	}

	return false
}

// Cleanup destroys all persisted session state. It is idempotent and never
// fails: the remote sign-out is best-effort and every tier is cleared
// regardless of individual errors.
func (v *Validator) Cleanup(ctx context.Context) {
	metrics.SessionCleanups.Inc()
	slog.Info("Cleaning up session state")

	v.mu.Lock()
	signOut := v.signOut
	hooks := make([]func(), len(v.onCleanup))
	copy(hooks, v.onCleanup)
	v.mu.Unlock()

	if signOut != nil {
		if err := signOut(ctx); err != nil {
			slog.Debug("Remote sign-out failed during cleanup", "error", err)
		}
	}

	v.manager.Clear(ctx)
	if v.cache != nil {
		v.cache.Clear(ctx)
	}

	for _, hook := range hooks {
		hook()
	}
}

// StartPeriodicValidation checks the stored session on an interval and runs
// cleanup when it is expired, stale or corrupted. Each pass also runs the
// integrity scan so cross-key contradictions are cleaned up, not just
// reported. Returns a stop function.
func (v *Validator) StartPeriodicValidation(ctx context.Context, interval time.Duration) func() {
	ticker := v.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				err := v.CheckStored(ctx)
				if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
					slog.Warn("Periodic session validation failed, cleaning up", "error", err)
					v.Cleanup(ctx)
					continue
				}
				if v.DetectInconsistency(ctx) {
					slog.Warn("Integrity scan found inconsistent session state, cleaning up")
					v.Cleanup(ctx)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
