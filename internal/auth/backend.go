// Package auth implements the session lifecycle controller: the state
// machine that drives loading, authentication, timeout, retry, recovery
// delegation and logout, plus the lifecycle event registry.
package auth

import (
	"context"

	"github.com/openparish/parishd/internal/domain"
)

// Backend is the remote auth provider surface the controller depends on.
// The backend package provides the HTTP implementation.
type Backend interface {
	// GetCurrentUser resolves the user a live access token belongs to.
	GetCurrentUser(ctx context.Context, accessToken string) (*domain.User, error)

	// RefreshSession exchanges a refresh token for a new session artifact.
	RefreshSession(ctx context.Context, refreshToken string) (*domain.SessionArtifact, error)

	// SignOut revokes the session server-side. Best-effort callers may
	// ignore the error.
	SignOut(ctx context.Context, accessToken string) error

	// Ping checks backend reachability.
	Ping(ctx context.Context) error
}

// RoleVerifier resolves a user's authorization level against the member
// directory. The directory package provides the Postgres implementation.
type RoleVerifier interface {
	// VerifyUserRole returns the directory-confirmed role for the user.
	VerifyUserRole(ctx context.Context, user domain.User) (domain.UserRole, error)

	// ReVerifyPermission re-checks a single permission for the user.
	ReVerifyPermission(ctx context.Context, userID, permission string) (bool, error)
}
