package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
)

const resetTokenColumns = `id, user_id, token_hash, ip_address, expires_at, used_at, created_at`

const qInsertResetToken = `
INSERT INTO password_reset_tokens (` + resetTokenColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const qResetTokenByHash = `SELECT ` + resetTokenColumns + ` FROM password_reset_tokens WHERE token_hash = $1`

const qInvalidateResetTokens = `
UPDATE password_reset_tokens
SET used_at = $2
WHERE user_id = $1 AND used_at IS NULL AND expires_at > $2`

const qMarkResetTokenUsed = `
UPDATE password_reset_tokens
SET used_at = $2
WHERE id = $1 AND used_at IS NULL`

const qDeleteExpiredResetTokens = `DELETE FROM password_reset_tokens WHERE expires_at <= $1`

const qInsertPasswordHistory = `
INSERT INTO password_history (id, user_id, password_hash, created_at)
VALUES ($1, $2, $3, $4)`

const qTrimPasswordHistory = `
DELETE FROM password_history
WHERE user_id = $1 AND id NOT IN (
	SELECT id FROM password_history
	WHERE user_id = $1
	ORDER BY created_at DESC
	LIMIT $2
)`

const qPasswordHistory = `
SELECT id, user_id, password_hash, created_at
FROM password_history
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`

const qRevokeAllUserSessions = `
UPDATE sessions
SET revoked_at = $2, revoke_reason = $3, is_active = FALSE
WHERE user_id = $1 AND revoked_at IS NULL
RETURNING access_token_hash, refresh_token_hash, expires_at`

func (s *Store) InsertResetToken(ctx context.Context, t *PasswordResetToken) error {
	_, err := s.pool.Exec(ctx, qInsertResetToken,
		t.ID, t.UserID, t.TokenHash, t.IPAddress, t.ExpiresAt, t.UsedAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}
	return nil
}

func (s *Store) GetResetTokenByHash(ctx context.Context, hash string) (*PasswordResetToken, error) {
	var t PasswordResetToken
	err := s.pool.QueryRow(ctx, qResetTokenByHash, hash).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.IPAddress, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt,
	)
	if noRows(err) {
		return nil, apperr.NotFound("Reset token")
	}
	if err != nil {
		return nil, fmt.Errorf("get reset token: %w", err)
	}
	return &t, nil
}

// InvalidateActiveResetTokens retires a user's outstanding tokens before a
// new one is issued.
func (s *Store) InvalidateActiveResetTokens(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, qInvalidateResetTokens, userID, at)
	if err != nil {
		return 0, fmt.Errorf("invalidate reset tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, qDeleteExpiredResetTokens, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired reset tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetPasswordHistory(ctx context.Context, userID uuid.UUID, limit int) ([]PasswordHistory, error) {
	rows, err := s.pool.Query(ctx, qPasswordHistory, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get password history: %w", err)
	}
	defer rows.Close()

	var out []PasswordHistory
	for rows.Next() {
		var h PasswordHistory
		if err := rows.Scan(&h.ID, &h.UserID, &h.PasswordHash, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan password history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PasswordResetParams drives CompletePasswordReset.
type PasswordResetParams struct {
	UserID      uuid.UUID
	TokenID     uuid.UUID
	NewHash     string
	OldHash     string
	Now         time.Time
	HistoryKeep int
	AccessTTL   time.Duration
}

// CompletePasswordReset applies the whole reset in one transaction: the old
// hash joins the history (trimmed to HistoryKeep entries), the user's hash
// changes, the token is consumed, and every live session is revoked with its
// tokens blacklisted. Returns the number of sessions revoked.
func (s *Store) CompletePasswordReset(ctx context.Context, p PasswordResetParams) (int, error) {
	var revoked int
	err := s.withTx(ctx, func(q querier) error {
		_, err := q.Exec(ctx, qInsertPasswordHistory, uuid.New(), p.UserID, p.OldHash, p.Now)
		if err != nil {
			return fmt.Errorf("insert password history: %w", err)
		}
		if _, err := q.Exec(ctx, qTrimPasswordHistory, p.UserID, p.HistoryKeep); err != nil {
			return fmt.Errorf("trim password history: %w", err)
		}
		if err := updateUserPassword(ctx, q, p.UserID, p.NewHash, p.Now); err != nil {
			return err
		}

		tag, err := q.Exec(ctx, qMarkResetTokenUsed, p.TokenID, p.Now)
		if err != nil {
			return fmt.Errorf("mark reset token used: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Conflict("Reset token has already been used")
		}

		rows, err := q.Query(ctx, qRevokeAllUserSessions, p.UserID, p.Now, ReasonPasswordReset)
		if err != nil {
			return fmt.Errorf("revoke user sessions: %w", err)
		}
		var blacklist []BlacklistedToken
		for rows.Next() {
			var accessHash, refreshHash string
			var expiresAt time.Time
			if err := rows.Scan(&accessHash, &refreshHash, &expiresAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan revoked session: %w", err)
			}
			blacklist = append(blacklist,
				BlacklistedToken{TokenHash: accessHash, ExpiresAt: p.Now.Add(p.AccessTTL), Reason: ReasonPasswordReset, CreatedAt: p.Now},
				BlacklistedToken{TokenHash: refreshHash, ExpiresAt: expiresAt, Reason: ReasonPasswordReset, CreatedAt: p.Now},
			)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("revoke user sessions: %w", err)
		}
		revoked = len(blacklist) / 2

		return insertBlacklisted(ctx, q, blacklist)
	})
	return revoked, err
}
