package domain

import "time"

// User is the application-shaped user resolved from a backend session.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CenterID  string    `json:"center_id,omitempty"`
	RoleName  string    `json:"role_name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// SessionArtifact is a persisted blob representing authentication state:
// a token set plus the minimal user snapshot it was issued for.
type SessionArtifact struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    int64     `json:"expires_at,omitempty"` // unix seconds, 0 = not set
	User         *User     `json:"user,omitempty"`
	CapturedAt   time.Time `json:"timestamp"`
}
