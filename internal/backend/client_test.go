package backend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparish/parishd/internal/backend"
	apperrors "github.com/openparish/parishd/internal/errors"
)

func TestGetCurrentUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/user", r.URL.Path)
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		assert.Equal(t, "key", r.Header.Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "u1",
			"email": "u1@example.org",
			"user_metadata": {"name": "Test User", "center_id": "c1", "role_name": "admin"}
		}`))
	}))
	defer srv.Close()

	client := backend.New(srv.URL, "key", time.Second)
	user, err := client.GetCurrentUser(context.Background(), "at")

	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "Test User", user.Name)
	assert.Equal(t, "c1", user.CenterID)
	assert.Equal(t, "admin", user.RoleName)
}

func TestGetCurrentUser_UnauthorizedIsAuthClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := backend.New(srv.URL, "", time.Second)
	_, err := client.GetCurrentUser(context.Background(), "expired")

	require.Error(t, err)
	assert.Equal(t, apperrors.ClassAuthentication, apperrors.As(err).Class)
}

func TestRefreshSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "at2",
			"refresh_token": "rt2",
			"expires_in": 3600,
			"user": {"id": "u1", "email": "u1@example.org"}
		}`))
	}))
	defer srv.Close()

	client := backend.New(srv.URL, "", time.Second)
	art, err := client.RefreshSession(context.Background(), "rt")

	require.NoError(t, err)
	assert.Equal(t, "at2", art.AccessToken)
	assert.Equal(t, "rt2", art.RefreshToken)
	assert.Greater(t, art.ExpiresAt, time.Now().Unix())
	require.NotNil(t, art.User)
	assert.Equal(t, "u1", art.User.ID)
}

func TestRefreshSession_EmptyTokenIsAuthClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := backend.New(srv.URL, "", time.Second)
	_, err := client.RefreshSession(context.Background(), "rt")

	require.Error(t, err)
	assert.Equal(t, apperrors.ClassAuthentication, apperrors.As(err).Class)
}

func TestServerErrorsAreBackendClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := backend.New(srv.URL, "", time.Second)
	err := client.Ping(context.Background())

	require.Error(t, err)
	assert.Equal(t, apperrors.ClassBackendUnavailable, apperrors.As(err).Class)
}

func TestCircuitBreakerOpensUnderSustainedFailure(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := backend.New(srv.URL, "", time.Second)

	for i := 0; i < 10; i++ {
		err := client.Ping(context.Background())
		require.Error(t, err)
		assert.Equal(t, apperrors.ClassBackendUnavailable, apperrors.As(err).Class)
	}

	assert.Less(t, requests, 10, "open breaker must stop hitting the backend")
}

func TestSignOut(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := backend.New(srv.URL, "", time.Second)
	require.NoError(t, client.SignOut(context.Background(), "at"))
	assert.Equal(t, "/auth/v1/logout", path)
}
