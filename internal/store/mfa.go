package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
)

const mfaConfigColumns = `user_id, secret_encrypted, is_enabled, verified_at, last_used_at, failed_attempts, locked_until, created_at, updated_at`

const qMFAConfigByUser = `SELECT ` + mfaConfigColumns + ` FROM mfa_configurations WHERE user_id = $1`

const qInsertMFAConfig = `
INSERT INTO mfa_configurations (` + mfaConfigColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const qDeleteMFAConfig = `DELETE FROM mfa_configurations WHERE user_id = $1`

const qRecordMFASuccess = `
UPDATE mfa_configurations
SET last_used_at = $2, failed_attempts = 0, locked_until = NULL, updated_at = $2
WHERE user_id = $1`

const qRecordMFAFailure = `
UPDATE mfa_configurations
SET failed_attempts = failed_attempts + 1, updated_at = $2
WHERE user_id = $1
RETURNING failed_attempts`

const qLockMFA = `
UPDATE mfa_configurations
SET locked_until = $2, updated_at = $3
WHERE user_id = $1`

const challengeColumns = `id, challenge_token, user_id, type, attempts, max_attempts, expires_at, completed_at, ip_address, created_at`

const qInsertChallenge = `
INSERT INTO mfa_challenges (` + challengeColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const qChallengeByToken = `SELECT ` + challengeColumns + ` FROM mfa_challenges WHERE challenge_token = $1`

const qIncrementChallengeAttempts = `
UPDATE mfa_challenges
SET attempts = attempts + 1
WHERE id = $1
RETURNING attempts`

const qCompleteChallenge = `UPDATE mfa_challenges SET completed_at = $2 WHERE id = $1`

const qDeleteChallenge = `DELETE FROM mfa_challenges WHERE id = $1`

const qDeleteUserChallenges = `DELETE FROM mfa_challenges WHERE user_id = $1`

const qDeleteExpiredUserChallenges = `DELETE FROM mfa_challenges WHERE user_id = $1 AND expires_at <= $2`

const qDeleteExpiredChallenges = `DELETE FROM mfa_challenges WHERE expires_at <= $1`

const backupCodeColumns = `id, user_id, code_hash, used_at, used_ip_address, used_user_agent, created_at`

const qInsertBackupCodes = `
INSERT INTO mfa_backup_codes (id, user_id, code_hash, created_at)
SELECT c.id, $2, c.code_hash, $3
FROM unnest($1::uuid[], $4::text[]) AS c(id, code_hash)`

const qUnusedBackupCodes = `
SELECT ` + backupCodeColumns + `
FROM mfa_backup_codes
WHERE user_id = $1 AND used_at IS NULL
ORDER BY created_at ASC`

const qUsedBackupCodes = `
SELECT ` + backupCodeColumns + `
FROM mfa_backup_codes
WHERE user_id = $1 AND used_at IS NOT NULL
ORDER BY used_at DESC`

const qMarkBackupCodeUsed = `
UPDATE mfa_backup_codes
SET used_at = $2, used_ip_address = $3, used_user_agent = $4
WHERE id = $1 AND used_at IS NULL`

const qBackupCodeStats = `
SELECT COUNT(*), COUNT(used_at), MAX(used_at), MIN(created_at)
FROM mfa_backup_codes
WHERE user_id = $1`

const qDeleteBackupCodes = `DELETE FROM mfa_backup_codes WHERE user_id = $1`

func scanMFAConfig(row interface{ Scan(dest ...any) error }) (*MFAConfiguration, error) {
	var c MFAConfiguration
	err := row.Scan(
		&c.UserID, &c.SecretEncrypted, &c.IsEnabled, &c.VerifiedAt, &c.LastUsedAt,
		&c.FailedAttempts, &c.LockedUntil, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetMFAConfig(ctx context.Context, userID uuid.UUID) (*MFAConfiguration, error) {
	c, err := scanMFAConfig(s.pool.QueryRow(ctx, qMFAConfigByUser, userID))
	if noRows(err) {
		return nil, apperr.NotFound("MFA configuration")
	}
	if err != nil {
		return nil, fmt.Errorf("get mfa config: %w", err)
	}
	return c, nil
}

// EnableMFA persists the configuration and its first batch of backup codes
// atomically.
func (s *Store) EnableMFA(ctx context.Context, cfg *MFAConfiguration, codes []MFABackupCode) error {
	err := s.withTx(ctx, func(q querier) error {
		_, err := q.Exec(ctx, qInsertMFAConfig,
			cfg.UserID, cfg.SecretEncrypted, cfg.IsEnabled, cfg.VerifiedAt, cfg.LastUsedAt,
			cfg.FailedAttempts, cfg.LockedUntil, cfg.CreatedAt, cfg.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert mfa config: %w", err)
		}
		return insertBackupCodes(ctx, q, codes)
	})
	if isUniqueViolation(err) {
		return apperr.Conflict("MFA is already enabled").WithCause(err)
	}
	return err
}

// DisableMFA removes the configuration together with any backup codes and
// pending challenges.
func (s *Store) DisableMFA(ctx context.Context, userID uuid.UUID) error {
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, qDeleteBackupCodes, userID); err != nil {
			return fmt.Errorf("delete backup codes: %w", err)
		}
		if _, err := q.Exec(ctx, qDeleteUserChallenges, userID); err != nil {
			return fmt.Errorf("delete mfa challenges: %w", err)
		}
		tag, err := q.Exec(ctx, qDeleteMFAConfig, userID)
		if err != nil {
			return fmt.Errorf("delete mfa config: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("MFA configuration")
		}
		return nil
	})
}

func (s *Store) RecordMFASuccess(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, qRecordMFASuccess, userID, at)
	if err != nil {
		return fmt.Errorf("record mfa success: %w", err)
	}
	return nil
}

// RecordMFAFailure bumps the failure counter and returns the new value.
func (s *Store) RecordMFAFailure(ctx context.Context, userID uuid.UUID, at time.Time) (int, error) {
	var failures int
	err := s.pool.QueryRow(ctx, qRecordMFAFailure, userID, at).Scan(&failures)
	if noRows(err) {
		return 0, apperr.NotFound("MFA configuration")
	}
	if err != nil {
		return 0, fmt.Errorf("record mfa failure: %w", err)
	}
	return failures, nil
}

func (s *Store) LockMFA(ctx context.Context, userID uuid.UUID, until, at time.Time) error {
	_, err := s.pool.Exec(ctx, qLockMFA, userID, until, at)
	if err != nil {
		return fmt.Errorf("lock mfa: %w", err)
	}
	return nil
}

func (s *Store) InsertMFAChallenge(ctx context.Context, c *MFAChallenge) error {
	_, err := s.pool.Exec(ctx, qInsertChallenge,
		c.ID, c.ChallengeToken, c.UserID, c.Type, c.Attempts, c.MaxAttempts,
		c.ExpiresAt, c.CompletedAt, c.IPAddress, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mfa challenge: %w", err)
	}
	return nil
}

func (s *Store) GetMFAChallenge(ctx context.Context, token string) (*MFAChallenge, error) {
	var c MFAChallenge
	err := s.pool.QueryRow(ctx, qChallengeByToken, token).Scan(
		&c.ID, &c.ChallengeToken, &c.UserID, &c.Type, &c.Attempts, &c.MaxAttempts,
		&c.ExpiresAt, &c.CompletedAt, &c.IPAddress, &c.CreatedAt,
	)
	if noRows(err) {
		return nil, apperr.NotFound("MFA challenge")
	}
	if err != nil {
		return nil, fmt.Errorf("get mfa challenge: %w", err)
	}
	return &c, nil
}

// IncrementChallengeAttempts bumps the attempt counter and returns the new
// value.
func (s *Store) IncrementChallengeAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, qIncrementChallengeAttempts, id).Scan(&attempts)
	if noRows(err) {
		return 0, apperr.NotFound("MFA challenge")
	}
	if err != nil {
		return 0, fmt.Errorf("increment challenge attempts: %w", err)
	}
	return attempts, nil
}

func (s *Store) CompleteMFAChallenge(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, qCompleteChallenge, id, at)
	if err != nil {
		return fmt.Errorf("complete mfa challenge: %w", err)
	}
	return nil
}

// DeleteMFAChallenge discards a challenge that burned through its attempts.
func (s *Store) DeleteMFAChallenge(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, qDeleteChallenge, id)
	if err != nil {
		return fmt.Errorf("delete mfa challenge: %w", err)
	}
	return nil
}

// DeleteExpiredUserChallenges purges a user's expired challenges, run before
// issuing a new one.
func (s *Store) DeleteExpiredUserChallenges(ctx context.Context, userID uuid.UUID, now time.Time) error {
	_, err := s.pool.Exec(ctx, qDeleteExpiredUserChallenges, userID, now)
	if err != nil {
		return fmt.Errorf("delete expired user challenges: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredMFAChallenges(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, qDeleteExpiredChallenges, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertBackupCodes(ctx context.Context, q querier, codes []MFABackupCode) error {
	if len(codes) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(codes))
	hashes := make([]string, len(codes))
	for i, c := range codes {
		ids[i] = c.ID
		hashes[i] = c.CodeHash
	}
	_, err := q.Exec(ctx, qInsertBackupCodes, ids, codes[0].UserID, codes[0].CreatedAt, hashes)
	if err != nil {
		return fmt.Errorf("insert backup codes: %w", err)
	}
	return nil
}

func (s *Store) listBackupCodes(ctx context.Context, query string, userID uuid.UUID) ([]MFABackupCode, error) {
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list backup codes: %w", err)
	}
	defer rows.Close()

	var out []MFABackupCode
	for rows.Next() {
		var c MFABackupCode
		err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.UsedAt, &c.UsedIPAddress, &c.UsedUserAgent, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan backup code: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListUnusedBackupCodes(ctx context.Context, userID uuid.UUID) ([]MFABackupCode, error) {
	return s.listBackupCodes(ctx, qUnusedBackupCodes, userID)
}

func (s *Store) ListUsedBackupCodes(ctx context.Context, userID uuid.UUID) ([]MFABackupCode, error) {
	return s.listBackupCodes(ctx, qUsedBackupCodes, userID)
}

// MarkBackupCodeUsed consumes a code. It reports false when another request
// already used it.
func (s *Store) MarkBackupCodeUsed(ctx context.Context, id uuid.UUID, at time.Time, ip, userAgent string) (bool, error) {
	tag, err := s.pool.Exec(ctx, qMarkBackupCodeUsed, id, at, ip, userAgent)
	if err != nil {
		return false, fmt.Errorf("mark backup code used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetBackupCodeStats(ctx context.Context, userID uuid.UUID) (*BackupCodeStats, error) {
	var st BackupCodeStats
	err := s.pool.QueryRow(ctx, qBackupCodeStats, userID).Scan(&st.Total, &st.Used, &st.LastUsedAt, &st.GeneratedAt)
	if err != nil {
		return nil, fmt.Errorf("get backup code stats: %w", err)
	}
	st.Remaining = st.Total - st.Used
	return &st, nil
}

// ReplaceBackupCodes swaps the full code set in one transaction.
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []MFABackupCode) error {
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, qDeleteBackupCodes, userID); err != nil {
			return fmt.Errorf("delete backup codes: %w", err)
		}
		return insertBackupCodes(ctx, q, codes)
	})
}
