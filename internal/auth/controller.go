package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/openparish/parishd/internal/domain"
	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/metrics"
	"github.com/openparish/parishd/internal/netmon"
	"github.com/openparish/parishd/internal/recovery"
	"github.com/openparish/parishd/internal/session"
)

// refreshOperationID keys the refresh operation in the recovery
// orchestrator's cancellation registry.
const refreshOperationID = "auth_refresh"

// Error codes surfaced on degraded auth states.
const (
	CodeOfflineMode       = "OFFLINE_MODE"
	CodeUnverifiedSession = "UNVERIFIED_SESSION"
	CodeSessionReset      = "SESSION_RESET"
)

// NetworkMonitor is the connectivity surface the controller depends on.
type NetworkMonitor interface {
	State() domain.NetworkState
	Subscribe(fn netmon.Subscriber) func()
	StateError() *apperrors.Error
	StartReconnect(ctx context.Context)
}

// Config tunes the controller.
type Config struct {
	// Timeout bounds how long a refresh may stay in the loading state
	// before the controller gives up and reports timed_out.
	Timeout time.Duration
	// MaxRetryAttempts bounds user-initiated retries before retry requests
	// are still honored but flagged in logs.
	MaxRetryAttempts int
	// RetryBackoffBase is the wait before the first user-initiated retry;
	// each further retry doubles it.
	RetryBackoffBase time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second, MaxRetryAttempts: 3, RetryBackoffBase: 500 * time.Millisecond}
}

// Controller is the auth session state machine. All mutation goes through
// it; consumers read snapshots via State and observe changes through the
// event registry.
type Controller struct {
	cfg       Config
	backend   Backend
	roles     RoleVerifier
	artifacts *session.Store
	cache     *session.Cache
	validator *session.Validator
	orch      *recovery.Orchestrator
	monitor   NetworkMonitor
	events    *Registry
	clock     clockwork.Clock

	refreshGroup singleflight.Group

	mu          sync.Mutex
	state       domain.AuthState
	gen         int
	lastRole    *domain.UserRole
	stopTimeout func()
	unsubNet    func()
}

// NewController wires the state machine. Call Start to begin the initial
// refresh and network observation.
func NewController(
	cfg Config,
	backend Backend,
	roles RoleVerifier,
	artifacts *session.Store,
	cache *session.Cache,
	validator *session.Validator,
	orch *recovery.Orchestrator,
	monitor NetworkMonitor,
	events *Registry,
	clock clockwork.Clock,
) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = DefaultConfig().MaxRetryAttempts
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = DefaultConfig().RetryBackoffBase
	}
	c := &Controller{
		cfg:       cfg,
		backend:   backend,
		roles:     roles,
		artifacts: artifacts,
		cache:     cache,
		validator: validator,
		orch:      orch,
		monitor:   monitor,
		events:    events,
		clock:     clock,
		state:     domain.AuthState{Status: domain.StatusLoading, Stage: domain.StageAuth},
	}

	validator.SetSignOut(c.remoteSignOut)
	validator.OnCleanup(func() {
		events.Emit(EventSessionCleanup, map[string]any{"timestamp": clock.Now()})
	})

	return c
}

// Start begins network observation and runs the initial refresh in the
// background.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.unsubNet = c.monitor.Subscribe(c.onNetworkChange)
	c.mu.Unlock()

	go func() {
		if _, err := c.Refresh(ctx); err != nil {
			slog.Warn("Initial session refresh failed", "error", err)
		}
	}()
}

// Stop detaches the controller from the network monitor.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubNet != nil {
		c.unsubNet()
		c.unsubNet = nil
	}
	if c.stopTimeout != nil {
		c.stopTimeout()
		c.stopTimeout = nil
	}
}

// State returns the current auth state snapshot.
func (c *Controller) State() domain.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// refreshOutcome is the product of a fully successful refresh.
type refreshOutcome struct {
	User domain.User     `json:"user"`
	Role domain.UserRole `json:"role"`
	// Artifact never leaves the process: the offline cache stores only the
	// user and role halves.
	Artifact domain.SessionArtifact `json:"-"`
}

// Refresh drives a full session refresh. Concurrent calls coalesce into one
// in-flight refresh whose result all callers share.
func (c *Controller) Refresh(ctx context.Context) (domain.AuthState, error) {
	result, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return c.refresh(ctx), nil
	})
	if err != nil {
		return c.State(), err
	}
	return result.(domain.AuthState), nil
}

func (c *Controller) refresh(ctx context.Context) domain.AuthState {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	retryCount := c.state.RetryCount
	c.setStateLocked(domain.AuthState{
		Status:     domain.StatusLoading,
		Stage:      domain.StageAuth,
		RetryCount: retryCount,
	})
	c.armTimeoutLocked(gen)
	c.mu.Unlock()

	start := c.clock.Now()
	defer func() {
		metrics.AuthRefreshDuration.Observe(c.clock.Now().Sub(start).Seconds())
	}()

	outcome, _, err := recovery.DoClass(ctx, c.clock, recovery.OpAuth, func(attemptCtx context.Context) (*refreshOutcome, error) {
		return c.refreshOnce(attemptCtx, gen)
	})
	if err == nil {
		c.applyAuthenticated(ctx, gen, outcome, false, "")
		return c.State()
	}

	if errors.Is(err, recovery.ErrCancelled) {
		return c.State()
	}
	if errors.Is(err, domain.ErrSessionNotFound) {
		c.disarmTimeout(gen)
		c.setUnauthenticated(gen, "")
		return c.State()
	}

	classified := apperrors.As(err)
	switch classified.Class {
	case apperrors.ClassAuthentication:
		c.disarmTimeout(gen)
		c.validator.Cleanup(ctx)
		c.setUnauthenticated(gen, "")
	case apperrors.ClassSessionCorrupted:
		c.disarmTimeout(gen)
		c.validator.Cleanup(ctx)
		c.setUnauthenticated(gen, CodeSessionReset)
	default:
		c.recover(ctx, gen, classified)
	}
	return c.State()
}

// refreshOnce performs one full refresh attempt: load and validate the
// stored artifact, resolve the user (refreshing tokens when the access token
// is rejected), then verify the role.
func (c *Controller) refreshOnce(ctx context.Context, gen int) (*refreshOutcome, error) {
	art, err := c.artifacts.Load(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrSessionCorrupted) {
			return nil, apperrors.SessionCorruptedError("stored session is unreadable", err)
		}
		return nil, err
	}
	if err := c.validator.Validate(art); err != nil {
		return nil, err
	}

	c.setStage(gen, domain.StageAuth)

	user, err := c.backend.GetCurrentUser(ctx, art.AccessToken)
	if err != nil && apperrors.Classify(err) == apperrors.ClassAuthentication {
		art, user, err = c.refreshTokens(ctx, art)
	}
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.UnknownError("backend returned no user for a live session", nil)
	}

	c.setStage(gen, domain.StageProfile)

	role, err := c.roles.VerifyUserRole(ctx, *user)
	if err != nil {
		slog.Warn("Directory role verification failed, using stored role name",
			"user_id", user.ID, "error", err)
		metrics.RoleVerifications.WithLabelValues("heuristic").Inc()
		role = domain.InferRoleFromName(user.RoleName)
	} else {
		metrics.RoleVerifications.WithLabelValues("directory").Inc()
	}

	c.setStage(gen, domain.StageDashboard)

	return &refreshOutcome{User: *user, Role: role, Artifact: *art}, nil
}

// refreshTokens exchanges the refresh token for a new artifact and resolves
// the user it belongs to.
func (c *Controller) refreshTokens(ctx context.Context, art *domain.SessionArtifact) (*domain.SessionArtifact, *domain.User, error) {
	if art.RefreshToken == "" {
		return nil, nil, apperrors.AuthenticationError("access token rejected and no refresh token stored", nil)
	}

	refreshed, err := c.backend.RefreshSession(ctx, art.RefreshToken)
	if err != nil {
		return nil, nil, err
	}
	if err := c.artifacts.Save(ctx, *refreshed); err != nil {
		slog.Warn("Failed to persist refreshed session", "error", err)
	}

	if refreshed.User != nil {
		return refreshed, refreshed.User, nil
	}
	user, err := c.backend.GetCurrentUser(ctx, refreshed.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	return refreshed, user, nil
}

// recover hands a transient refresh failure to the recovery pipeline.
func (c *Controller) recover(ctx context.Context, gen int, cause *apperrors.Error) {
	result := c.orch.Execute(ctx, recovery.Request{
		OperationID:        refreshOperationID,
		Class:              recovery.OpAuth,
		CacheKey:           refreshOperationID,
		UseSessionFallback: true,
		Op: func(attemptCtx context.Context) (any, error) {
			return c.refreshOnce(attemptCtx, gen)
		},
	})

	c.disarmTimeout(gen)

	if !result.Success {
		if errors.Is(result.Err, recovery.ErrCancelled) {
			return
		}
		c.setError(gen, apperrors.As(result.Err))
		return
	}

	switch data := result.Data.(type) {
	case *refreshOutcome:
		c.applyAuthenticated(ctx, gen, data, false, "")
	case *domain.CachedSessionState:
		c.applyCached(gen, data, result.Limited)
	case *domain.AuthState:
		// Degraded placeholder: continue as an unauthenticated user with
		// reduced functionality.
		c.mu.Lock()
		if gen == c.gen {
			c.lastRole = nil
			retryCount := c.state.RetryCount
			c.setStateLocked(domain.AuthState{
				Status:     data.Status,
				Degraded:   data.Degraded,
				RetryCount: retryCount,
				ErrorCode:  CodeOfflineMode,
			})
		}
		c.mu.Unlock()
	case json.RawMessage:
		var outcome refreshOutcome
		if err := json.Unmarshal(data, &outcome); err != nil {
			c.setError(gen, cause)
			return
		}
		c.applyAuthenticated(ctx, gen, &outcome, true, CodeOfflineMode)
	default:
		// Degraded with no data: nothing to authenticate with.
		c.setError(gen, cause)
	}
}

// Retry is the user-initiated retry: it bumps the retry counter, waits out a
// backoff that grows with each retry already consumed, then runs a fresh
// refresh.
func (c *Controller) Retry(ctx context.Context) (domain.AuthState, error) {
	c.mu.Lock()
	c.state.RetryCount++
	count := c.state.RetryCount
	if count > c.cfg.MaxRetryAttempts {
		slog.Info("Retry attempts beyond configured bound", "count", count)
	}
	c.mu.Unlock()

	select {
	case <-c.clock.After(retryBackoff(c.cfg.RetryBackoffBase, count)):
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}

	return c.Refresh(ctx)
}

// retryBackoff doubles the base delay for every retry already consumed,
// capped at 32x the base.
func retryBackoff(base time.Duration, count int) time.Duration {
	if count < 1 {
		count = 1
	}
	if count > 6 {
		count = 6
	}
	return base << (count - 1)
}

// ContinueAfterTimeout lets the caller proceed past a timed-out load. With a
// fresh cached snapshot the session continues in degraded mode; without one
// the state falls to unauthenticated.
func (c *Controller) ContinueAfterTimeout(ctx context.Context) domain.AuthState {
	c.mu.Lock()
	if c.state.Status != domain.StatusTimedOut {
		state := c.state
		c.mu.Unlock()
		return state
	}
	gen := c.gen
	c.mu.Unlock()

	if snapshot, ok := c.cache.Get(ctx); ok {
		c.applyCached(gen, snapshot, true)
	} else {
		c.setUnauthenticated(gen, "")
	}
	return c.State()
}

// Logout tears the session down: aborts in-flight operations, revokes the
// session best-effort and clears every tier. Idempotent.
func (c *Controller) Logout(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	if c.stopTimeout != nil {
		c.stopTimeout()
		c.stopTimeout = nil
	}
	c.mu.Unlock()

	c.orch.AbortAll()
	c.validator.Cleanup(ctx)

	c.mu.Lock()
	c.lastRole = nil
	c.setStateLocked(domain.AuthState{Status: domain.StatusUnauthenticated})
	c.mu.Unlock()
}

// VerifyPermission re-checks a permission against the directory, falling
// back to the last verified role when the directory cannot be reached.
func (c *Controller) VerifyPermission(ctx context.Context, permission string) bool {
	c.mu.Lock()
	state := c.state
	lastRole := c.lastRole
	c.mu.Unlock()

	if !state.IsAuthenticated() {
		return false
	}

	ok, err := c.roles.ReVerifyPermission(ctx, state.User.ID, permission)
	if err == nil {
		metrics.RoleVerifications.WithLabelValues("directory").Inc()
		return ok
	}

	slog.Warn("Permission re-verification failed, using last known role",
		"user_id", state.User.ID, "permission", permission, "error", err)
	metrics.RoleVerifications.WithLabelValues("heuristic").Inc()
	if lastRole != nil {
		return lastRole.HasPermission(permission)
	}
	if state.Role != nil {
		return state.Role.HasPermission(permission)
	}
	return false
}

func (c *Controller) remoteSignOut(ctx context.Context) error {
	art, err := c.artifacts.Load(ctx)
	if err != nil || art.AccessToken == "" {
		return nil
	}
	return c.backend.SignOut(ctx, art.AccessToken)
}

// onNetworkChange reacts to connectivity transitions: a lost backend starts
// the reconnect loop, a recovered backend re-runs the refresh when the
// session is degraded or errored.
func (c *Controller) onNetworkChange(s domain.NetworkState) {
	c.events.Emit(EventNetworkChange, s)

	if s.LinkUp && !s.BackendConnected {
		go c.monitor.StartReconnect(context.Background())
		return
	}
	if !s.BackendConnected {
		return
	}

	c.mu.Lock()
	needsRefresh := c.state.Degraded || c.state.Status == domain.StatusError
	c.mu.Unlock()
	if needsRefresh {
		go func() {
			if _, err := c.Refresh(context.Background()); err != nil {
				slog.Warn("Post-reconnect refresh failed", "error", err)
			}
		}()
	}
}

func (c *Controller) applyAuthenticated(ctx context.Context, gen int, outcome *refreshOutcome, degraded bool, code string) {
	c.disarmTimeout(gen)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	role := outcome.Role
	c.lastRole = &role
	c.setStateLocked(domain.AuthState{
		Status:    domain.StatusAuthenticated,
		Stage:     domain.StageComplete,
		User:      &outcome.User,
		Role:      &role,
		Degraded:  degraded,
		ErrorCode: code,
	})
	c.mu.Unlock()

	if !degraded {
		c.cache.Capture(ctx, outcome.User, outcome.Role)
	}
	c.events.Emit(EventRoleChange, RoleChangePayload{
		UserID:      outcome.User.ID,
		Role:        outcome.Role,
		IsAdmin:     outcome.Role.IsAdmin(),
		IsSuperUser: outcome.Role.Role == domain.RoleSuperUser,
	})
}

func (c *Controller) applyCached(gen int, snapshot *domain.CachedSessionState, limited bool) {
	c.disarmTimeout(gen)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	user := snapshot.User
	role := snapshot.Role
	c.lastRole = &role

	code := ""
	if limited {
		code = CodeOfflineMode
	}
	c.setStateLocked(domain.AuthState{
		Status:    domain.StatusAuthenticated,
		Stage:     domain.StageComplete,
		User:      &user,
		Role:      &role,
		Degraded:  limited,
		ErrorCode: code,
	})
}

func (c *Controller) setUnauthenticated(gen int, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.lastRole = nil
	c.setStateLocked(domain.AuthState{Status: domain.StatusUnauthenticated, ErrorCode: code})
}

func (c *Controller) setError(gen int, err *apperrors.Error) {
	guidance := apperrors.GuidanceFor(err.Class)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	retryCount := c.state.RetryCount
	message := guidance.Message
	if retryCount > c.cfg.MaxRetryAttempts {
		message = fmt.Sprintf("Maximum retry attempts (%d) reached. %s", c.cfg.MaxRetryAttempts, guidance.Message)
	}
	c.setStateLocked(domain.AuthState{
		Status:       domain.StatusError,
		RetryCount:   retryCount,
		ErrorCode:    string(err.Class),
		ErrorMessage: message,
	})
}

func (c *Controller) setStage(gen int, stage domain.LoadingStage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state.Status != domain.StatusLoading {
		return
	}
	c.state.Stage = stage
	c.emitStateLocked()
}

// setStateLocked replaces the state and announces the transition. Caller
// holds c.mu.
func (c *Controller) setStateLocked(next domain.AuthState) {
	if c.state.Status != next.Status {
		metrics.AuthStateTransitions.WithLabelValues(string(next.Status)).Inc()
	}
	c.state = next
	c.emitStateLocked()
}

func (c *Controller) emitStateLocked() {
	state := c.state
	go c.events.Emit(EventAuthState, state)
}

// armTimeoutLocked starts the loading watchdog. Caller holds c.mu.
func (c *Controller) armTimeoutLocked(gen int) {
	if c.stopTimeout != nil {
		c.stopTimeout()
	}
	timer := c.clock.AfterFunc(c.cfg.Timeout, func() {
		c.onTimeout(gen)
	})
	c.stopTimeout = func() { timer.Stop() }
}

func (c *Controller) disarmTimeout(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.stopTimeout != nil {
		c.stopTimeout()
		c.stopTimeout = nil
	}
}

func (c *Controller) onTimeout(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state.Status != domain.StatusLoading {
		return
	}
	slog.Warn("Session load exceeded its budget", "timeout", c.cfg.Timeout)
	retryCount := c.state.RetryCount
	c.setStateLocked(domain.AuthState{
		Status:       domain.StatusTimedOut,
		RetryCount:   retryCount,
		ErrorMessage: "Loading took too long. You can retry or continue with limited functionality.",
	})
}
