package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
)

const userColumns = `id, email, password_hash, status, email_verified_at, password_changed_at, created_at, updated_at`

const qUserByEmail = `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`

const qUserByID = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

const qUpdateUserPassword = `
UPDATE users
SET password_hash = $2, password_changed_at = $3, updated_at = $3
WHERE id = $1`

func scanUser(row interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Status,
		&u.EmailVerifiedAt, &u.PasswordChangedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, qUserByEmail, email))
	if noRows(err) {
		return nil, apperr.NotFound("User")
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, qUserByID, id))
	if noRows(err) {
		return nil, apperr.NotFound("User")
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

func updateUserPassword(ctx context.Context, q querier, userID uuid.UUID, hash string, at time.Time) error {
	tag, err := q.Exec(ctx, qUpdateUserPassword, userID, hash, at)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("User")
	}
	return nil
}
