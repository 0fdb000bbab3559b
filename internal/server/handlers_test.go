package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparish/parishd/internal/auth"
	"github.com/openparish/parishd/internal/config"
	"github.com/openparish/parishd/internal/domain"
	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/storage"
)

type stubController struct {
	state      domain.AuthState
	refreshErr error
	logouts    int
	granted    bool
}

func (s *stubController) State() domain.AuthState { return s.state }

func (s *stubController) Refresh(context.Context) (domain.AuthState, error) {
	return s.state, s.refreshErr
}

func (s *stubController) Retry(context.Context) (domain.AuthState, error) {
	return s.state, s.refreshErr
}

func (s *stubController) ContinueAfterTimeout(context.Context) domain.AuthState { return s.state }

func (s *stubController) Logout(context.Context) { s.logouts++ }

func (s *stubController) VerifyPermission(context.Context, string) bool { return s.granted }

type stubMonitor struct {
	state   domain.NetworkState
	linkUps []bool
}

func (s *stubMonitor) State() domain.NetworkState { return s.state }

func (s *stubMonitor) ProbeBackend(context.Context) bool { return s.state.BackendConnected }

func (s *stubMonitor) SetLinkUp(_ context.Context, up bool) { s.linkUps = append(s.linkUps, up) }

type stubRedis struct{ err error }

func (s *stubRedis) Ping(ctx context.Context) *goredis.StatusCmd {
	cmd := goredis.NewStatusCmd(ctx)
	cmd.SetErr(s.err)
	return cmd
}

type stubPinger struct{ err error }

func (s *stubPinger) Ping(context.Context) error { return s.err }

type serverFixture struct {
	server     *Server
	controller *stubController
	monitor    *stubMonitor
	redis      *stubRedis
	directory  *stubPinger
	backend    *stubPinger
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	clock := clockwork.NewRealClock()

	controller := &stubController{state: domain.AuthState{Status: domain.StatusAuthenticated,
		User: &domain.User{ID: "u1"}}}
	monitor := &stubMonitor{state: domain.NetworkState{
		LinkUp: true, BackendConnected: true, Quality: domain.QualityGood,
	}}
	redis := &stubRedis{}
	directory := &stubPinger{}
	backendPing := &stubPinger{}

	srv := NewServer(
		&config.Config{Port: "0"},
		controller,
		monitor,
		storage.NewManager(storage.NewMemoryTier(0, clock)),
		redis,
		directory,
		backendPing,
		auth.NewRegistry(clock),
	)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})

	return &serverFixture{
		server:     srv,
		controller: controller,
		monitor:    monitor,
		redis:      redis,
		directory:  directory,
		backend:    backendPing,
	}
}

func (f *serverFixture) request(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestHandleAuthState(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodGet, "/auth/state", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.AuthState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, domain.StatusAuthenticated, state.Status)
	require.NotNil(t, state.User)
	assert.Equal(t, "u1", state.User.ID)
}

func TestHandleRefresh_ErrorCarriesGuidance(t *testing.T) {
	f := newFixture(t)
	f.controller.refreshErr = apperrors.NetworkError("connection refused", nil)

	rec := f.request(http.MethodPost, "/auth/refresh", "")

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp apperrors.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ClassNetwork, resp.Class)
	assert.True(t, resp.Guidance.CanRetry)
	assert.NotEmpty(t, resp.Guidance.TroubleshootingSteps)
}

func TestHandleLogout(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodPost, "/auth/logout", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, f.controller.logouts)
}

func TestHandlePermission(t *testing.T) {
	f := newFixture(t)
	f.controller.granted = true

	rec := f.request(http.MethodGet, "/auth/permissions/members:write", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "members:write", resp["permission"])
	assert.Equal(t, true, resp["granted"])
}

func TestHandleNetworkState(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodGet, "/network/state", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.NetworkState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.BackendConnected)
	assert.Equal(t, domain.QualityGood, state.Quality)
}

func TestHandleNetworkLink(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodPost, "/network/link", `{"up": false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.monitor.linkUps, 1)
	assert.False(t, f.monitor.linkUps[0])
}

func TestHandleLiveness(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodGet, "/health/live", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleReadiness_FailingDependency(t *testing.T) {
	f := newFixture(t)
	f.redis.err = context.DeadlineExceeded

	rec := f.request(http.MethodGet, "/health/ready", "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed_check":"redis"`)
}

func TestHandleVersion(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodGet, "/version", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"go_version"`)
}

func TestHandleStorageDiagnostics(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodGet, "/storage/diagnostics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var diags []storage.TierDiagnostics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diags))
	require.Len(t, diags, 1)
	assert.Equal(t, "memory", diags[0].Name)
	assert.True(t, diags[0].Available)
}
