// Package domain holds the shared types of the authentication engine:
// users, roles, auth/network state snapshots and recovery results.
package domain

import "time"

// ConnectionQuality classifies the measured link to the auth backend.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
	QualityOffline   ConnectionQuality = "offline"
)

// NetworkState is the monitor's view of connectivity. It is mutated only by
// netmon.Monitor; everyone else receives copies.
//
// Invariant: Quality == QualityOffline iff !LinkUp || !BackendConnected.
type NetworkState struct {
	LinkUp             bool              `json:"is_online"`
	BackendConnected   bool              `json:"is_backend_connected"`
	LastConnectedAt    *time.Time        `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time        `json:"last_disconnected_at,omitempty"`
	ReconnectAttempts  int               `json:"reconnect_attempts"`
	Quality            ConnectionQuality `json:"connection_quality"`
	LatencyMs          int64             `json:"latency_ms,omitempty"`
}

// AuthStatus is the top-level lifecycle state of the session controller.
type AuthStatus string

const (
	StatusLoading         AuthStatus = "loading"
	StatusAuthenticated   AuthStatus = "authenticated"
	StatusUnauthenticated AuthStatus = "unauthenticated"
	StatusTimedOut        AuthStatus = "timed_out"
	StatusError           AuthStatus = "error"
)

// LoadingStage tracks progress through a refresh while StatusLoading.
type LoadingStage string

const (
	StageAuth      LoadingStage = "auth"
	StageProfile   LoadingStage = "profile"
	StageDashboard LoadingStage = "dashboard"
	StageComplete  LoadingStage = "complete"
)

// AuthState is the controller's externally visible snapshot.
// Exactly one of loading/authenticated/timed-out drives the consumer UI,
// and Authenticated implies User != nil.
type AuthState struct {
	Status       AuthStatus   `json:"status"`
	Stage        LoadingStage `json:"stage,omitempty"`
	User         *User        `json:"user,omitempty"`
	Role         *UserRole    `json:"role,omitempty"`
	RetryCount   int          `json:"retry_count"`
	Degraded     bool         `json:"degraded"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// IsAuthenticated reports whether the state carries a live (or degraded) user.
func (s AuthState) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated && s.User != nil
}

// CachedSessionState is a TTL-bounded snapshot of {user, role} captured on
// every successful authentication and used during fallback. It must never be
// served once ExpiresAt has passed.
type CachedSessionState struct {
	User       User      `json:"user"`
	Role       UserRole  `json:"role"`
	CapturedAt time.Time `json:"timestamp"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the snapshot is past its absolute expiry.
func (c CachedSessionState) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// RecoveryMethod records which tier of the recovery pipeline produced a result.
type RecoveryMethod string

const (
	MethodRetry         RecoveryMethod = "retry"
	MethodFallback      RecoveryMethod = "fallback"
	MethodOffline       RecoveryMethod = "offline"
	MethodDegraded      RecoveryMethod = "degraded"
	MethodUserInitiated RecoveryMethod = "user_initiated"
)

// RecoveryResult is the terminal output of every recovery-wrapped operation.
// Success == false implies Data == nil.
type RecoveryResult struct {
	Success      bool           `json:"success"`
	Data         any            `json:"data,omitempty"`
	Err          error          `json:"-"`
	Method       RecoveryMethod `json:"recovery_method,omitempty"`
	AttemptsUsed int            `json:"attempts_used"`
	FallbackUsed bool           `json:"fallback_used"`
	OfflineMode  bool           `json:"offline_mode"`
	Limited      bool           `json:"limited"`
}
