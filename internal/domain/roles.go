package domain

import (
	"strings"
	"time"
)

// Role is the authorization level of a user.
type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleSuperUser Role = "superuser"
)

// UserRole is the resolved role plus permission set for a user.
// Verified == false marks a degraded result produced by the name heuristic
// rather than the directory.
type UserRole struct {
	Role         Role      `json:"role"`
	Permissions  []string  `json:"permissions"`
	Verified     bool      `json:"is_verified"`
	LastVerified time.Time `json:"last_verified"`
}

// IsAdmin reports whether the role grants administrative access.
func (r UserRole) IsAdmin() bool {
	return r.Role == RoleAdmin || r.Role == RoleSuperUser
}

// HasPermission reports whether the permission set contains perm.
func (r UserRole) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Role-name lists for the heuristic fallback. Matching is case-insensitive
// on the stored role name.
var (
	superUserRoleNames = []string{"superuser", "super_admin", "owner"}
	adminRoleNames     = []string{"admin", "administrator", "center_admin", "pastor"}
)

var defaultPermissions = map[Role][]string{
	RoleUser:      {"members:read", "events:read", "messages:read"},
	RoleAdmin:     {"members:read", "members:write", "events:read", "events:write", "messages:read", "messages:write", "centers:read"},
	RoleSuperUser: {"members:read", "members:write", "events:read", "events:write", "messages:read", "messages:write", "centers:read", "centers:write", "users:manage"},
}

// InferRoleFromName derives a UserRole from a stored role name when the
// directory cannot be reached. The result is always marked unverified.
// Both the primary and fallback role paths use this single function.
func InferRoleFromName(roleName string) UserRole {
	name := strings.ToLower(strings.TrimSpace(roleName))

	role := RoleUser
	for _, s := range superUserRoleNames {
		if name == s {
			role = RoleSuperUser
		}
	}
	if role == RoleUser {
		for _, a := range adminRoleNames {
			if name == a {
				role = RoleAdmin
			}
		}
	}

	perms := make([]string, len(defaultPermissions[role]))
	copy(perms, defaultPermissions[role])

	return UserRole{
		Role:        role,
		Permissions: perms,
		Verified:    false,
	}
}
