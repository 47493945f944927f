// Package session implements the authenticated session lifecycle: creation
// with concurrent-limit enforcement, refresh-token rotation with reuse
// detection, fast-cache validation, inactivity tracking, and the logout
// family of revocations.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/cache"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/security"
	"github.com/pellenbrig/aegis/internal/store"
	"github.com/pellenbrig/aegis/internal/token"
)

// Validation failure reasons returned by Validate.
const (
	ReasonSessionNotFound = "SESSION_NOT_FOUND"
	ReasonSessionRevoked  = "SESSION_REVOKED"
	ReasonSessionExpired  = "SESSION_EXPIRED"
)

// Store is the persistence surface this service needs.
type Store interface {
	InsertSession(ctx context.Context, sn *store.Session) error
	GetSessionByID(ctx context.Context, id uuid.UUID) (*store.Session, error)
	ListActiveSessions(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.Session, error)
	ListActiveSessionsOldestFirst(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.Session, error)
	ListSessionsByFamily(ctx context.Context, family string) ([]store.Session, error)
	RevokeSessions(ctx context.Context, ids []uuid.UUID, at time.Time, reason string, blacklist []store.BlacklistedToken) error
	UpdateSessionForRefresh(ctx context.Context, id uuid.UUID, accessHash, refreshHash, ip string, at time.Time, blacklist []store.BlacklistedToken) error
	TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error
	IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error)
	DeleteExpiredBlacklistedTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	ListActiveUserRoles(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.UserRoleWithRole, error)
}

// Cache is the fast-cache surface this service needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	SetString(ctx context.Context, key, val string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Tokens signs and verifies the JWT pairs backing sessions.
type Tokens interface {
	GeneratePair(in token.PairInput) (*token.Pair, error)
	VerifyRefresh(tokenString string) (*token.RefreshClaims, error)
}

// Passwords re-verifies credentials for sensitive session operations.
type Passwords interface {
	VerifyPassword(hash, password string) bool
}

// Alerts raises security alerts.
type Alerts interface {
	CreateAlert(ctx context.Context, in security.CreateAlertInput) (*store.SecurityAlert, error)
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	// AccessTTL bounds how long a blacklisted access token hash must be
	// retained.
	AccessTTL         time.Duration
	ConcurrentLimit   int
	InactivityTimeout time.Duration
	HeartbeatCacheTTL time.Duration
	StaleRetention    time.Duration
}

type Service struct {
	store     Store
	cache     Cache
	tokens    Tokens
	passwords Passwords
	alerts    Alerts
	audit     audit.Logger
	clock     clock.Clock
	log       *slog.Logger
	opts      Options
}

func NewService(st Store, c Cache, tokens Tokens, passwords Passwords, alerts Alerts, al audit.Logger, clk clock.Clock, log *slog.Logger, opts Options) *Service {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.ConcurrentLimit <= 0 {
		opts.ConcurrentLimit = 5
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 60 * time.Minute
	}
	if opts.HeartbeatCacheTTL <= 0 {
		opts.HeartbeatCacheTTL = time.Hour
	}
	if opts.StaleRetention <= 0 {
		opts.StaleRetention = 30 * 24 * time.Hour
	}
	return &Service{
		store:     st,
		cache:     c,
		tokens:    tokens,
		passwords: passwords,
		alerts:    alerts,
		audit:     al,
		clock:     clk,
		log:       log,
		opts:      opts,
	}
}

// CreateSessionInput carries everything persisted for a fresh login session.
// The session ID is allocated by the caller because it is stamped into the
// token claims before the session row exists.
type CreateSessionInput struct {
	SessionID         uuid.UUID
	UserID            uuid.UUID
	AccessTokenHash   string
	RefreshTokenHash  string
	TokenFamily       string
	DeviceFingerprint string
	UserAgent         string
	IPAddress         string
	GeoCity           *string
	GeoCountry        *string
	Remembered        bool
	ExpiresAt         time.Time
}

// CreateForLogin persists a new session, evicting the oldest one first when
// the user is at the concurrent-session limit.
func (s *Service) CreateForLogin(ctx context.Context, in CreateSessionInput) (*store.Session, error) {
	now := s.clock.Now()

	active, err := s.store.ListActiveSessionsOldestFirst(ctx, in.UserID, now)
	if err != nil {
		return nil, err
	}
	if len(active) >= s.opts.ConcurrentLimit {
		oldest := active[0]
		if err := s.revokeOne(ctx, &oldest, now, store.ReasonConcurrentLimitEnforced); err != nil {
			return nil, err
		}
		s.audit.Log(ctx, audit.EventConcurrentLimitEnforced, audit.Entry{
			UserID:     &in.UserID,
			TargetType: "session",
			TargetID:   oldest.ID.String(),
			IPAddress:  in.IPAddress,
			Metadata:   map[string]any{"limit": s.opts.ConcurrentLimit},
		})
	}

	sn := &store.Session{
		ID:                in.SessionID,
		UserID:            in.UserID,
		AccessTokenHash:   in.AccessTokenHash,
		RefreshTokenHash:  in.RefreshTokenHash,
		TokenFamily:       in.TokenFamily,
		DeviceFingerprint: in.DeviceFingerprint,
		UserAgent:         in.UserAgent,
		IPAddress:         in.IPAddress,
		GeoCity:           in.GeoCity,
		GeoCountry:        in.GeoCountry,
		IsActive:          true,
		IsRemembered:      in.Remembered,
		LastActivityAt:    now,
		ExpiresAt:         in.ExpiresAt,
		CreatedAt:         now,
	}
	if err := s.store.InsertSession(ctx, sn); err != nil {
		return nil, err
	}
	return sn, nil
}

// RefreshInput is one presented refresh token plus request context.
type RefreshInput struct {
	RefreshToken string
	IPAddress    string
	UserAgent    string
}

// RefreshResult is the rotated token pair.
type RefreshResult struct {
	UserID           uuid.UUID `json:"userId"`
	SessionID        uuid.UUID `json:"sessionId"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

// Refresh rotates a refresh token. A blacklisted token is treated as reuse
// of an already-rotated credential: the whole token family is revoked and a
// critical alert is raised.
func (s *Service) Refresh(ctx context.Context, in RefreshInput) (*RefreshResult, error) {
	claims, err := s.tokens.VerifyRefresh(in.RefreshToken)
	if err != nil {
		if errors.Is(err, token.ErrExpiredToken) {
			return nil, apperr.Unauthorized("Refresh token has expired")
		}
		return nil, apperr.Unauthorized("Invalid refresh token")
	}

	oldHash := token.Hash(in.RefreshToken)
	blacklisted, err := s.isBlacklisted(ctx, oldHash)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		s.handleTokenReuse(ctx, claims, in.IPAddress)
		return nil, apperr.Unauthorized("Refresh token is no longer valid")
	}

	sn, err := s.store.GetSessionByID(ctx, claims.SessionID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, apperr.Unauthorized("Session is no longer active")
		}
		return nil, err
	}
	now := s.clock.Now()
	if !sn.Usable(now) || sn.RefreshTokenHash != oldHash {
		return nil, apperr.Unauthorized("Session is no longer active")
	}

	roles, err := s.roleNames(ctx, sn.UserID, now)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.GeneratePair(token.PairInput{
		UserID:      sn.UserID,
		SessionID:   sn.ID,
		Roles:       roles,
		TokenFamily: claims.TokenFamily,
		Remembered:  sn.IsRemembered,
	})
	if err != nil {
		return nil, err
	}

	ip := sn.IPAddress
	if in.IPAddress != "" {
		ip = in.IPAddress
	}
	rotated := []store.BlacklistedToken{{
		TokenHash: oldHash,
		ExpiresAt: claims.ExpiresAt.Time,
		Reason:    store.ReasonTokenRotated,
		CreatedAt: now,
	}}
	err = s.store.UpdateSessionForRefresh(ctx, sn.ID,
		token.Hash(pair.AccessToken), token.Hash(pair.RefreshToken), ip, now, rotated)
	if err != nil {
		return nil, err
	}

	s.markBlacklisted(ctx, rotated)
	s.dropSessionCache(ctx, sn.ID)
	s.audit.Log(ctx, audit.EventTokenRefreshed, audit.Entry{
		UserID:     &sn.UserID,
		TargetType: "session",
		TargetID:   sn.ID.String(),
		IPAddress:  ip,
		UserAgent:  in.UserAgent,
	})

	return &RefreshResult{
		UserID:           sn.UserID,
		SessionID:        sn.ID,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}, nil
}

func (s *Service) handleTokenReuse(ctx context.Context, claims *token.RefreshClaims, ip string) {
	now := s.clock.Now()

	sessions, err := s.store.ListSessionsByFamily(ctx, claims.TokenFamily)
	if err != nil {
		s.log.Error("token_reuse_family_lookup_failed",
			slog.String("token_family", claims.TokenFamily),
			slog.String("error", err.Error()),
		)
	}
	if len(sessions) > 0 {
		ids := make([]uuid.UUID, len(sessions))
		var blacklist []store.BlacklistedToken
		for i := range sessions {
			ids[i] = sessions[i].ID
			blacklist = append(blacklist, s.blacklistPair(&sessions[i], now, store.ReasonTokenReuseDetected)...)
		}
		if err := s.store.RevokeSessions(ctx, ids, now, store.ReasonTokenReuseDetected, blacklist); err != nil {
			s.log.Error("token_reuse_revocation_failed",
				slog.String("token_family", claims.TokenFamily),
				slog.String("error", err.Error()),
			)
		} else {
			s.markBlacklisted(ctx, blacklist)
			s.dropSessionCache(ctx, ids...)
		}
	}

	s.audit.Log(ctx, audit.EventAllSessionsRevoked, audit.Entry{
		UserID:    &claims.UserID,
		IPAddress: ip,
		Metadata: map[string]any{
			"reason":       store.ReasonTokenReuseDetected,
			"tokenFamily":  claims.TokenFamily,
			"revokedCount": len(sessions),
		},
	})

	alertIn := security.CreateAlertInput{
		UserID:      &claims.UserID,
		Type:        store.AlertTokenReuseDetected,
		Severity:    store.SeverityCritical,
		Title:       "Refresh token reuse detected",
		Description: "A rotated refresh token was presented again. Every session in its token family was revoked.",
		Metadata:    map[string]any{"tokenFamily": claims.TokenFamily},
	}
	if ip != "" {
		alertIn.IPAddress = &ip
	}
	if _, err := s.alerts.CreateAlert(ctx, alertIn); err != nil {
		s.log.Error("token_reuse_alert_failed", slog.String("error", err.Error()))
	}
}

// cachedSession is the snapshot stored under session:{id}.
type cachedSession struct {
	SessionID      uuid.UUID        `json:"sessionId"`
	UserID         uuid.UUID        `json:"userId"`
	Email          string           `json:"email"`
	UserStatus     store.UserStatus `json:"userStatus"`
	RevokedAt      *time.Time       `json:"revokedAt,omitempty"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

// Validation is the outcome of a session check. Reason is set only when
// Valid is false.
type Validation struct {
	Valid      bool
	Reason     string
	SessionID  uuid.UUID
	UserID     uuid.UUID
	Email      string
	UserStatus store.UserStatus
}

// Validate checks a session through the fast cache, falling back to the
// store on miss or cache failure. Valid sessions are cached for no longer
// than the access token stays verifiable.
func (s *Service) Validate(ctx context.Context, sessionID uuid.UUID, accessExpiresAt time.Time) (*Validation, error) {
	now := s.clock.Now()
	key := cache.SessionKey(sessionID.String())

	var snap cachedSession
	hit, err := s.cache.GetJSON(ctx, key, &snap)
	if err != nil {
		s.log.Warn("session_cache_read_failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
		hit = false
	}
	if hit {
		return evaluate(&snap, now), nil
	}

	sn, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return &Validation{SessionID: sessionID, Reason: ReasonSessionNotFound}, nil
		}
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, sn.UserID)
	if err != nil {
		return nil, err
	}

	snap = cachedSession{
		SessionID:      sn.ID,
		UserID:         sn.UserID,
		Email:          user.Email,
		UserStatus:     user.Status,
		RevokedAt:      sn.RevokedAt,
		ExpiresAt:      sn.ExpiresAt,
		LastActivityAt: sn.LastActivityAt,
	}
	v := evaluate(&snap, now)
	if v.Valid {
		ttl := accessExpiresAt.Sub(now)
		if rem := sn.ExpiresAt.Sub(now); rem < ttl {
			ttl = rem
		}
		if ttl > 0 {
			if err := s.cache.SetJSON(ctx, key, snap, ttl); err != nil {
				s.log.Warn("session_cache_write_failed",
					slog.String("session_id", sessionID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return v, nil
}

func evaluate(snap *cachedSession, now time.Time) *Validation {
	v := &Validation{
		SessionID:  snap.SessionID,
		UserID:     snap.UserID,
		Email:      snap.Email,
		UserStatus: snap.UserStatus,
	}
	switch {
	case snap.RevokedAt != nil:
		v.Reason = ReasonSessionRevoked
	case !snap.ExpiresAt.After(now):
		v.Reason = ReasonSessionExpired
	default:
		v.Valid = true
	}
	return v
}

// IsTokenBlacklisted checks a token hash against the fast cache first, then
// the store.
func (s *Service) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	return s.isBlacklisted(ctx, tokenHash)
}

func (s *Service) isBlacklisted(ctx context.Context, hash string) (bool, error) {
	found, err := s.cache.Exists(ctx, cache.BlacklistKey(hash))
	if err != nil {
		s.log.Warn("blacklist_cache_read_failed", slog.String("error", err.Error()))
	} else if found {
		return true, nil
	}
	return s.store.IsTokenBlacklisted(ctx, hash)
}

// Heartbeat records activity on a session and extends its cache entry.
func (s *Service) Heartbeat(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.store.TouchSession(ctx, sessionID, s.clock.Now()); err != nil {
		return err
	}
	if _, err := s.cache.Expire(ctx, cache.SessionKey(sessionID.String()), s.opts.HeartbeatCacheTTL); err != nil {
		s.log.Warn("session_cache_extend_failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// TimeoutStatus reports where a session stands against the inactivity
// window.
type TimeoutStatus struct {
	Valid            bool `json:"valid"`
	RemainingMinutes int  `json:"remainingMinutes"`
	ShowWarning      bool `json:"showWarning"`
}

// CheckTimeout reports the remaining inactivity allowance. A session idle
// for the full window is revoked on the spot.
func (s *Service) CheckTimeout(ctx context.Context, sessionID uuid.UUID) (*TimeoutStatus, error) {
	sn, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return &TimeoutStatus{}, nil
		}
		return nil, err
	}
	now := s.clock.Now()
	if !sn.Usable(now) {
		return &TimeoutStatus{}, nil
	}

	elapsed := now.Sub(sn.LastActivityAt)
	if elapsed >= s.opts.InactivityTimeout {
		if err := s.revokeOne(ctx, sn, now, store.ReasonInactivityTimeout); err != nil {
			return nil, err
		}
		s.audit.Log(ctx, audit.EventSessionRevoked, audit.Entry{
			UserID:     &sn.UserID,
			TargetType: "session",
			TargetID:   sn.ID.String(),
			Metadata:   map[string]any{"reason": store.ReasonInactivityTimeout},
		})
		return &TimeoutStatus{}, nil
	}

	remaining := s.opts.InactivityTimeout - elapsed
	return &TimeoutStatus{
		Valid:            true,
		RemainingMinutes: int(remaining.Minutes()),
		ShowWarning:      remaining <= 5*time.Minute,
	}, nil
}

// CleanupExpired purges expired blacklist tombstones and long-dead session
// rows. Run from the background worker.
func (s *Service) CleanupExpired(ctx context.Context) (tokens, sessions int64, err error) {
	now := s.clock.Now()
	tokens, err = s.store.DeleteExpiredBlacklistedTokens(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	sessions, err = s.store.DeleteStaleSessions(ctx, now.Add(-s.opts.StaleRetention))
	if err != nil {
		return tokens, 0, err
	}
	return tokens, sessions, nil
}

func (s *Service) roleNames(ctx context.Context, userID uuid.UUID, now time.Time) ([]string, error) {
	assignments, err := s.store.ListActiveUserRoles(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		names = append(names, a.Role.Name)
	}
	return names, nil
}

// blacklistPair builds tombstones for both of a session's token hashes. The
// access hash only needs to outlive the longest possible access token.
func (s *Service) blacklistPair(sn *store.Session, now time.Time, reason string) []store.BlacklistedToken {
	return []store.BlacklistedToken{
		{TokenHash: sn.AccessTokenHash, ExpiresAt: now.Add(s.opts.AccessTTL), Reason: reason, CreatedAt: now},
		{TokenHash: sn.RefreshTokenHash, ExpiresAt: sn.ExpiresAt, Reason: reason, CreatedAt: now},
	}
}

func (s *Service) revokeOne(ctx context.Context, sn *store.Session, now time.Time, reason string) error {
	pair := s.blacklistPair(sn, now, reason)
	if err := s.store.RevokeSessions(ctx, []uuid.UUID{sn.ID}, now, reason, pair); err != nil {
		return err
	}
	s.markBlacklisted(ctx, pair)
	s.dropSessionCache(ctx, sn.ID)
	return nil
}

func (s *Service) markBlacklisted(ctx context.Context, tokens []store.BlacklistedToken) {
	now := s.clock.Now()
	for _, t := range tokens {
		ttl := t.ExpiresAt.Sub(now)
		if ttl <= 0 {
			continue
		}
		if err := s.cache.SetString(ctx, cache.BlacklistKey(t.TokenHash), t.Reason, ttl); err != nil {
			s.log.Warn("blacklist_cache_write_failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Service) dropSessionCache(ctx context.Context, ids ...uuid.UUID) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.SessionKey(id.String())
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn("session_cache_delete_failed", slog.String("error", err.Error()))
	}
}
