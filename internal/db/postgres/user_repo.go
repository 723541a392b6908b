package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"postdispatch/internal/core/users"
)

type userRepo struct {
	db *sql.DB
}

// NewUserRepository creates a Postgres-backed users.Repository.
func NewUserRepository(db *sql.DB) users.Repository {
	return &userRepo{db: db}
}

func (r *userRepo) UpsertByDID(ctx context.Context, did, handle string) (*users.User, error) {
	query := `
		INSERT INTO users (did, handle)
		VALUES ($1, $2)
		ON CONFLICT (did) DO UPDATE SET handle = EXCLUDED.handle, updated_at = now()
		RETURNING id, did, handle, is_active, created_at, updated_at`

	u := &users.User{}
	err := r.db.QueryRowContext(ctx, query, did, handle).
		Scan(&u.ID, &u.DID, &u.Handle, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") && strings.Contains(err.Error(), "idx_users_handle") {
			return nil, users.ErrHandleAlreadyTaken
		}
		return nil, fmt.Errorf("upserting user by did: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*users.User, error) {
	return r.scanOne(ctx, `SELECT id, did, handle, is_active, created_at, updated_at FROM users WHERE id = $1`, id)
}

func (r *userRepo) GetByDID(ctx context.Context, did string) (*users.User, error) {
	return r.scanOne(ctx, `SELECT id, did, handle, is_active, created_at, updated_at FROM users WHERE did = $1`, did)
}

func (r *userRepo) scanOne(ctx context.Context, query string, arg any) (*users.User, error) {
	u := &users.User{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.DID, &u.Handle, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return u, nil
}
