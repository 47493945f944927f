package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
)

const sessionColumns = `id, user_id, access_token_hash, refresh_token_hash, token_family,
	device_fingerprint, user_agent, ip_address, geo_city, geo_country,
	is_active, is_remembered, last_activity_at, expires_at, revoked_at, revoke_reason, created_at`

const qInsertSession = `
INSERT INTO sessions (
	id, user_id, access_token_hash, refresh_token_hash, token_family,
	device_fingerprint, user_agent, ip_address, geo_city, geo_country,
	is_active, is_remembered, last_activity_at, expires_at, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const qSessionByID = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

const qActiveSessionsByUser = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
ORDER BY last_activity_at DESC`

const qActiveSessionsOldestFirst = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
ORDER BY created_at ASC`

const qSessionsByFamily = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE token_family = $1 AND revoked_at IS NULL`

const qRevokeSessions = `
UPDATE sessions
SET revoked_at = $2, revoke_reason = $3, is_active = FALSE
WHERE id = ANY($1) AND revoked_at IS NULL`

const qUpdateSessionForRefresh = `
UPDATE sessions
SET access_token_hash = $2, refresh_token_hash = $3, ip_address = $4, last_activity_at = $5
WHERE id = $1 AND revoked_at IS NULL`

const qTouchSession = `
UPDATE sessions
SET last_activity_at = GREATEST(last_activity_at, $2)
WHERE id = $1 AND revoked_at IS NULL`

const qInsertBlacklisted = `
INSERT INTO blacklisted_tokens (token_hash, expires_at, reason, created_at)
SELECT t.token_hash, t.expires_at, $3, $4
FROM unnest($1::text[], $2::timestamptz[]) AS t(token_hash, expires_at)
ON CONFLICT (token_hash) DO NOTHING`

const qIsBlacklisted = `SELECT EXISTS (SELECT 1 FROM blacklisted_tokens WHERE token_hash = $1)`

const qDeleteExpiredBlacklisted = `DELETE FROM blacklisted_tokens WHERE expires_at <= $1`

const qDeleteStaleSessions = `
DELETE FROM sessions
WHERE (revoked_at IS NOT NULL AND revoked_at <= $1) OR expires_at <= $1`

func scanSession(row interface{ Scan(dest ...any) error }) (*Session, error) {
	var sn Session
	err := row.Scan(
		&sn.ID, &sn.UserID, &sn.AccessTokenHash, &sn.RefreshTokenHash, &sn.TokenFamily,
		&sn.DeviceFingerprint, &sn.UserAgent, &sn.IPAddress, &sn.GeoCity, &sn.GeoCountry,
		&sn.IsActive, &sn.IsRemembered, &sn.LastActivityAt, &sn.ExpiresAt,
		&sn.RevokedAt, &sn.RevokeReason, &sn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *Store) InsertSession(ctx context.Context, sn *Session) error {
	_, err := s.pool.Exec(ctx, qInsertSession,
		sn.ID, sn.UserID, sn.AccessTokenHash, sn.RefreshTokenHash, sn.TokenFamily,
		sn.DeviceFingerprint, sn.UserAgent, sn.IPAddress, sn.GeoCity, sn.GeoCountry,
		sn.IsActive, sn.IsRemembered, sn.LastActivityAt, sn.ExpiresAt, sn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	sn, err := scanSession(s.pool.QueryRow(ctx, qSessionByID, id))
	if noRows(err) {
		return nil, apperr.NotFound("Session")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sn, nil
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sn, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sn)
	}
	return out, rows.Err()
}

// ListActiveSessions returns usable sessions newest activity first.
func (s *Store) ListActiveSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]Session, error) {
	return s.listSessions(ctx, qActiveSessionsByUser, userID, now)
}

// ListActiveSessionsOldestFirst orders by creation time for concurrent-limit
// eviction.
func (s *Store) ListActiveSessionsOldestFirst(ctx context.Context, userID uuid.UUID, now time.Time) ([]Session, error) {
	return s.listSessions(ctx, qActiveSessionsOldestFirst, userID, now)
}

// ListSessionsByFamily returns the non-revoked sessions sharing a refresh
// token family.
func (s *Store) ListSessionsByFamily(ctx context.Context, family string) ([]Session, error) {
	return s.listSessions(ctx, qSessionsByFamily, family)
}

// RevokeSessions marks the sessions revoked and blacklists their tokens in
// one transaction.
func (s *Store) RevokeSessions(ctx context.Context, ids []uuid.UUID, at time.Time, reason string, blacklist []BlacklistedToken) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, qRevokeSessions, ids, at, reason); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		return insertBlacklisted(ctx, q, blacklist)
	})
}

// UpdateSessionForRefresh swaps in the rotated token hashes and blacklists
// the replaced ones atomically.
func (s *Store) UpdateSessionForRefresh(ctx context.Context, id uuid.UUID, accessHash, refreshHash, ip string, at time.Time, blacklist []BlacklistedToken) error {
	return s.withTx(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, qUpdateSessionForRefresh, id, accessHash, refreshHash, ip, at)
		if err != nil {
			return fmt.Errorf("update session for refresh: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("Session")
		}
		return insertBlacklisted(ctx, q, blacklist)
	})
}

// TouchSession advances last activity, never moving it backwards.
func (s *Store) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, qTouchSession, id, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func insertBlacklisted(ctx context.Context, q querier, tokens []BlacklistedToken) error {
	if len(tokens) == 0 {
		return nil
	}
	hashes := make([]string, len(tokens))
	expiries := make([]time.Time, len(tokens))
	for i, t := range tokens {
		hashes[i] = t.TokenHash
		expiries[i] = t.ExpiresAt
	}
	// All rows in one call share a reason and creation time.
	_, err := q.Exec(ctx, qInsertBlacklisted, hashes, expiries, tokens[0].Reason, tokens[0].CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blacklisted tokens: %w", err)
	}
	return nil
}

func (s *Store) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, qIsBlacklisted, tokenHash).Scan(&exists); err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return exists, nil
}

// DeleteExpiredBlacklistedTokens removes tombstones for tokens that have
// passed their natural expiry.
func (s *Store) DeleteExpiredBlacklistedTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, qDeleteExpiredBlacklisted, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired blacklisted tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteStaleSessions drops sessions revoked or expired before the cutoff.
func (s *Store) DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, qDeleteStaleSessions, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
