// Package directory resolves member roles against the organization's
// Postgres directory. It is the authority for authorization levels; the
// stored role-name heuristic is only a fallback when it cannot be reached.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openparish/parishd/internal/domain"
)

// Directory is the Postgres-backed role verifier.
type Directory struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*Directory, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Directory{pool: pool}, nil
}

// Close releases the pool.
func (d *Directory) Close() {
	d.pool.Close()
}

// Ping checks directory availability.
func (d *Directory) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// RunMigrations creates the member_roles table if it does not exist.
func (d *Directory) RunMigrations(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS member_roles (
			user_id     TEXT PRIMARY KEY,
			role_name   TEXT NOT NULL,
			permissions TEXT[],
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// VerifyUserRole resolves the directory-confirmed role for the user.
// Returns domain.ErrRoleNotFound when the user has no directory entry.
func (d *Directory) VerifyUserRole(ctx context.Context, user domain.User) (domain.UserRole, error) {
	roleName, permissions, err := d.lookup(ctx, user.ID)
	if err != nil {
		return domain.UserRole{}, err
	}

	role := domain.InferRoleFromName(roleName)
	if len(permissions) > 0 {
		role.Permissions = permissions
	}
	role.Verified = true
	role.LastVerified = time.Now()
	return role, nil
}

// ReVerifyPermission re-checks a single permission against the directory.
func (d *Directory) ReVerifyPermission(ctx context.Context, userID, permission string) (bool, error) {
	roleName, permissions, err := d.lookup(ctx, userID)
	if err != nil {
		return false, err
	}

	role := domain.InferRoleFromName(roleName)
	if len(permissions) > 0 {
		role.Permissions = permissions
	}
	return role.HasPermission(permission), nil
}

func (d *Directory) lookup(ctx context.Context, userID string) (string, []string, error) {
	var roleName string
	var permissions []string
	err := d.pool.QueryRow(ctx,
		`SELECT role_name, COALESCE(permissions, '{}') FROM member_roles WHERE user_id = $1`,
		userID,
	).Scan(&roleName, &permissions)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("user %s: %w", userID, domain.ErrRoleNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	return roleName, permissions, nil
}
