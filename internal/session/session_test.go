package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparish/parishd/internal/domain"
	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/session"
	"github.com/openparish/parishd/internal/storage"
)

func newTestStorage(clock clockwork.Clock) *storage.Manager {
	return storage.NewManager(storage.NewMemoryTier(0, clock))
}

func testUser() domain.User {
	return domain.User{ID: "u1", Email: "u1@example.org", Name: "Test User", RoleName: "admin"}
}

func TestCache_CaptureAndGet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := session.NewCache(newTestStorage(clock), time.Hour, clock)

	cache.Capture(context.Background(), testUser(), domain.InferRoleFromName("admin"))

	snapshot, ok := cache.Get(context.Background())
	require.True(t, ok)
	assert.Equal(t, "u1", snapshot.User.ID)
	assert.Equal(t, domain.RoleAdmin, snapshot.Role.Role)
	assert.WithinDuration(t, clock.Now(), snapshot.CapturedAt, time.Second)
	assert.WithinDuration(t, clock.Now().Add(time.Hour), snapshot.ExpiresAt, time.Second)
}

func TestCache_ExpiredSnapshotIsMiss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStorage(clock)
	cache := session.NewCache(store, time.Hour, clock)

	cache.Capture(context.Background(), testUser(), domain.InferRoleFromName("user"))
	clock.Advance(time.Hour + time.Minute)

	_, ok := cache.Get(context.Background())
	assert.False(t, ok)
}

func TestCache_UnreadableSnapshotIsDiscarded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStorage(clock)
	cache := session.NewCache(store, time.Hour, clock)

	require.NoError(t, store.Set(context.Background(), storage.KeyUser, "{not json", storage.SetOptions{}))

	_, ok := cache.Get(context.Background())
	assert.False(t, ok)

	_, found := store.Get(context.Background(), storage.KeyUser)
	assert.False(t, found, "unreadable snapshot should be removed")
}

func TestStore_SaveAndLoad(t *testing.T) {
	clock := clockwork.NewFakeClock()
	artifacts := session.NewStore(newTestStorage(clock), clock)

	user := testUser()
	err := artifacts.Save(context.Background(), domain.SessionArtifact{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    clock.Now().Add(time.Hour).Unix(),
		User:         &user,
	})
	require.NoError(t, err)

	art, err := artifacts.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at", art.AccessToken)
	assert.Equal(t, "u1", art.User.ID)
	assert.WithinDuration(t, clock.Now(), art.CapturedAt, time.Second)
}

func TestStore_LoadFallsBackToBackup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStorage(clock)
	artifacts := session.NewStore(store, clock)

	user := testUser()
	require.NoError(t, artifacts.Save(context.Background(), domain.SessionArtifact{
		AccessToken: "at", RefreshToken: "rt", User: &user,
	}))

	require.NoError(t, store.Set(context.Background(), storage.KeySession, "{broken", storage.SetOptions{}))

	art, err := artifacts.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at", art.AccessToken)
}

func TestStore_LoadErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStorage(clock)
	artifacts := session.NewStore(store, clock)

	_, err := artifacts.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.NoError(t, store.Set(context.Background(), storage.KeySession, "{broken", storage.SetOptions{}))
	require.NoError(t, store.Set(context.Background(), storage.KeySessionBackup, "{also broken", storage.SetOptions{}))

	_, err = artifacts.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionCorrupted)
}

func TestValidator_Validate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	user := testUser()

	tests := []struct {
		name      string
		artifact  *domain.SessionArtifact
		wantClass apperrors.Class
	}{
		{
			name: "valid session",
			artifact: &domain.SessionArtifact{
				AccessToken: "at", RefreshToken: "rt",
				ExpiresAt:  clock.Now().Add(time.Hour).Unix(),
				User:       &user,
				CapturedAt: clock.Now(),
			},
		},
		{
			name:      "nil artifact",
			artifact:  nil,
			wantClass: apperrors.ClassSessionCorrupted,
		},
		{
			name:      "no tokens",
			artifact:  &domain.SessionArtifact{User: &user},
			wantClass: apperrors.ClassAuthentication,
		},
		{
			name: "expired tokens",
			artifact: &domain.SessionArtifact{
				AccessToken: "at", RefreshToken: "rt",
				ExpiresAt: clock.Now().Add(-time.Minute).Unix(),
				User:      &user,
			},
			wantClass: apperrors.ClassAuthentication,
		},
		{
			name: "stale capture",
			artifact: &domain.SessionArtifact{
				AccessToken: "at", RefreshToken: "rt",
				ExpiresAt:  clock.Now().Add(time.Hour).Unix(),
				User:       &user,
				CapturedAt: clock.Now().Add(-8 * 24 * time.Hour),
			},
			wantClass: apperrors.ClassAuthentication,
		},
		{
			name: "missing user",
			artifact: &domain.SessionArtifact{
				AccessToken: "at", RefreshToken: "rt",
				ExpiresAt: clock.Now().Add(time.Hour).Unix(),
			},
			wantClass: apperrors.ClassSessionCorrupted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStorage(clock)
			v := session.NewValidator(store, session.NewStore(store, clock), nil, 0, clock)

			err := v.Validate(tt.artifact)
			if tt.wantClass == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, apperrors.As(err).Class)
		})
	}
}

func TestValidator_CheckStoredPassesThroughNotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStorage(clock)
	v := session.NewValidator(store, session.NewStore(store, clock), nil, 0, clock)

	err := v.CheckStored(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestValidator_DetectInconsistency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStorage(clock)
	v := session.NewValidator(store, session.NewStore(store, clock), nil, 0, clock)

	assert.False(t, v.DetectInconsistency(context.Background()))

	require.NoError(t, store.Set(context.Background(), storage.KeySession, "{broken", storage.SetOptions{}))
	assert.True(t, v.DetectInconsistency(context.Background()))
}

func TestValidator_DetectInconsistency_CrossKeyContradictions(t *testing.T) {
	user := testUser()

	t.Run("user snapshot without artifact", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := newTestStorage(clock)
		v := session.NewValidator(store, session.NewStore(store, clock), nil, 0, clock)

		cache := session.NewCache(store, time.Hour, clock)
		cache.Capture(context.Background(), user, domain.InferRoleFromName("admin"))

		assert.True(t, v.DetectInconsistency(context.Background()))
	})

	t.Run("artifact without user", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := newTestStorage(clock)
		artifacts := session.NewStore(store, clock)
		v := session.NewValidator(store, artifacts, nil, 0, clock)

		require.NoError(t, artifacts.Save(context.Background(), domain.SessionArtifact{
			AccessToken: "at", RefreshToken: "rt",
		}))

		assert.True(t, v.DetectInconsistency(context.Background()))
	})

	t.Run("artifact and snapshot agree", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := newTestStorage(clock)
		artifacts := session.NewStore(store, clock)
		v := session.NewValidator(store, artifacts, nil, 0, clock)

		require.NoError(t, artifacts.Save(context.Background(), domain.SessionArtifact{
			AccessToken: "at", RefreshToken: "rt", User: &user,
		}))
		session.NewCache(store, time.Hour, clock).Capture(context.Background(), user, domain.InferRoleFromName("admin"))

		assert.False(t, v.DetectInconsistency(context.Background()))
	})

	t.Run("stale metadata", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := newTestStorage(clock)
		artifacts := session.NewStore(store, clock)
		v := session.NewValidator(store, artifacts, nil, 0, clock)

		require.NoError(t, artifacts.Save(context.Background(), domain.SessionArtifact{
			AccessToken: "at", RefreshToken: "rt", User: &user,
		}))
		clock.Advance(session.DefaultStaleness + time.Hour)

		assert.True(t, v.DetectInconsistency(context.Background()))
	})
}

func TestValidator_PeriodicValidationCleansUpInconsistentState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStorage(clock)
	cache := session.NewCache(store, time.Hour, clock)
	v := session.NewValidator(store, session.NewStore(store, clock), cache, 0, clock)

	// No artifact behind the snapshot: the scan must trigger cleanup even
	// though CheckStored only reports an absent session.
	cache.Capture(context.Background(), testUser(), domain.InferRoleFromName("admin"))

	stop := v.StartPeriodicValidation(context.Background(), time.Minute)
	defer stop()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool {
		_, ok := store.Get(context.Background(), storage.KeyUser)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "orphaned snapshot should be cleaned up")
}

func TestValidator_CleanupIsIdempotentAndNeverFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStorage(clock)
	cache := session.NewCache(store, time.Hour, clock)
	artifacts := session.NewStore(store, clock)
	v := session.NewValidator(store, artifacts, cache, 0, clock)

	v.SetSignOut(func(context.Context) error { return errors.New("backend down") })
	cleanups := 0
	v.OnCleanup(func() { cleanups++ })

	user := testUser()
	require.NoError(t, artifacts.Save(context.Background(), domain.SessionArtifact{
		AccessToken: "at", RefreshToken: "rt", User: &user,
	}))
	cache.Capture(context.Background(), user, domain.InferRoleFromName("admin"))

	v.Cleanup(context.Background())
	v.Cleanup(context.Background())

	_, err := artifacts.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, ok := cache.Get(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 2, cleanups)
}

func TestFallback_RestorePreferredAfterCacheMiss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := session.NewCache(newTestStorage(clock), time.Hour, clock)

	restored := &domain.CachedSessionState{User: testUser()}
	fallback := session.NewFallback(cache, func(context.Context) (*domain.CachedSessionState, error) {
		return restored, nil
	})

	_, ok := fallback.CachedState(context.Background())
	assert.False(t, ok)

	got, err := fallback.RestoreSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, restored, got)
}
