// Package auth implements the credential login pipeline and the password
// reset flow. Both are enumeration-hardened: unknown accounts cost the same
// verification work and the same minimum response time as real ones, and
// their error messages are indistinguishable from a credential mismatch.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/cache"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/notify"
	"github.com/pellenbrig/aegis/internal/security"
	"github.com/pellenbrig/aegis/internal/session"
	"github.com/pellenbrig/aegis/internal/store"
	"github.com/pellenbrig/aegis/internal/token"
)

// msgInvalidCredentials is shared by the unknown-user and wrong-password
// paths. The two failures must stay byte-identical.
const msgInvalidCredentials = "Invalid email or password"

// Rate-limit scopes. The limiter prefixes them with "ratelimit:".
const (
	scopeLoginEmail = "login:email"
	scopeLoginIP    = "login:ip"
)

// Store is the persistence surface the login pipeline needs.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetMFAConfig(ctx context.Context, userID uuid.UUID) (*store.MFAConfiguration, error)
	GetDevice(ctx context.Context, userID uuid.UUID, fingerprint string) (*store.UserDevice, error)
	InsertDevice(ctx context.Context, d *store.UserDevice) error
	UpdateDeviceSeen(ctx context.Context, id uuid.UUID, ip string, at time.Time) error
	InsertLoginAttempt(ctx context.Context, a *store.LoginAttempt) error
	ListActiveUserRoles(ctx context.Context, userID uuid.UUID, now time.Time) ([]store.UserRoleWithRole, error)
}

// Cache is the fast-cache surface the login pipeline needs: the lockout
// flag, the failure counter, and the pending-MFA challenge stash.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	SetString(ctx context.Context, key, val string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter throttles attempts inside a sliding window.
type Limiter interface {
	Check(ctx context.Context, scope, identifier string, limit int, window time.Duration) (cache.Result, error)
}

// Sessions persists new login sessions, enforcing the concurrent cap.
type Sessions interface {
	CreateForLogin(ctx context.Context, in session.CreateSessionInput) (*store.Session, error)
}

// Tokens mints the signed access+refresh pairs.
type Tokens interface {
	GeneratePair(in token.PairInput) (*token.Pair, error)
}

// Passwords is the hashing surface shared by the login and reset flows.
// DummyVerify burns the cost of a real comparison for accounts that do not
// exist.
type Passwords interface {
	HashPassword(password string) (string, error)
	VerifyPassword(hash, password string) bool
	DummyVerify()
}

// SecondFactor settles a pending login's MFA code and reports which method
// succeeded ("totp" or "backup_code").
type SecondFactor interface {
	CompleteLogin(ctx context.Context, userID uuid.UUID, code, ip, userAgent string) (string, error)
}

// Alerts raises security alerts.
type Alerts interface {
	CreateAlert(ctx context.Context, in security.CreateAlertInput) (*store.SecurityAlert, error)
}

// Options tunes the pipeline. Zero values fall back to defaults.
type Options struct {
	MinResponseTime time.Duration // floor applied to every outcome
	FailureWindow   time.Duration // failure counter TTL
	MaxFailures     int           // failures before lockout
	LockoutTTL      time.Duration
	EmailLimit      int
	EmailWindow     time.Duration
	IPLimit         int
	IPWindow        time.Duration
	ChallengeTTL    time.Duration // pending-MFA stash lifetime
	Wait            WaitFunc      // nil uses a real timer
}

func (o Options) withDefaults() Options {
	if o.MinResponseTime <= 0 {
		o.MinResponseTime = 200 * time.Millisecond
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = 30 * time.Minute
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 10
	}
	if o.LockoutTTL <= 0 {
		o.LockoutTTL = 30 * time.Minute
	}
	if o.EmailLimit <= 0 {
		o.EmailLimit = 5
	}
	if o.EmailWindow <= 0 {
		o.EmailWindow = 15 * time.Minute
	}
	if o.IPLimit <= 0 {
		o.IPLimit = 20
	}
	if o.IPWindow <= 0 {
		o.IPWindow = time.Hour
	}
	if o.ChallengeTTL <= 0 {
		o.ChallengeTTL = 5 * time.Minute
	}
	if o.Wait == nil {
		o.Wait = sleepWait
	}
	return o
}

// LoginService runs the credential login pipeline.
type LoginService struct {
	store     Store
	cache     Cache
	limiter   Limiter
	sessions  Sessions
	tokens    Tokens
	passwords Passwords
	mfa       SecondFactor
	alerts    Alerts
	mail      notify.Sender
	audit     audit.Logger
	clock     clock.Clock
	log       *slog.Logger
	floor     floor
	opts      Options
}

func NewLoginService(
	st Store,
	c Cache,
	limiter Limiter,
	sessions Sessions,
	tokens Tokens,
	passwords Passwords,
	mfa SecondFactor,
	alerts Alerts,
	mail notify.Sender,
	al audit.Logger,
	clk clock.Clock,
	log *slog.Logger,
	opts Options,
) *LoginService {
	opts = opts.withDefaults()
	return &LoginService{
		store:     st,
		cache:     c,
		limiter:   limiter,
		sessions:  sessions,
		tokens:    tokens,
		passwords: passwords,
		mfa:       mfa,
		alerts:    alerts,
		mail:      mail,
		audit:     al,
		clock:     clk,
		log:       log,
		floor:     floor{clock: clk, wait: opts.Wait, min: opts.MinResponseTime},
		opts:      opts,
	}
}

// LoginInput carries one credential presentation plus request context.
type LoginInput struct {
	Email             string
	Password          string
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
	CorrelationID     string
	RememberMe        bool
}

// LoginResult is either a full token pair or an MFA challenge handle. On
// the MFA branch the token fields are present but empty.
type LoginResult struct {
	Success               bool       `json:"success"`
	MFARequired           bool       `json:"mfaRequired"`
	MFAChallengeID        string     `json:"mfaChallengeId,omitempty"`
	AccessToken           string     `json:"accessToken"`
	RefreshToken          string     `json:"refreshToken"`
	UserID                *uuid.UUID `json:"userId,omitempty"`
	AccessTokenExpiresAt  *time.Time `json:"accessTokenExpiresAt,omitempty"`
	RefreshTokenExpiresAt *time.Time `json:"refreshTokenExpiresAt,omitempty"`
}

// challengeStash is the login context parked in the fast cache while the
// client answers its MFA challenge.
type challengeStash struct {
	UserID            uuid.UUID `json:"userId"`
	Email             string    `json:"email"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	IPAddress         string    `json:"ip"`
	UserAgent         string    `json:"ua"`
	RememberMe        bool      `json:"rememberMe"`
}

// Login authenticates a credential presentation. Every outcome, including
// early rejections, is held to the minimum response time.
func (s *LoginService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	defer s.floor.hold(ctx, s.clock.Now())
	return s.login(ctx, in)
}

func (s *LoginService) login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))

	windows := []struct {
		scope, id string
		limit     int
		window    time.Duration
	}{
		{scopeLoginEmail, email, s.opts.EmailLimit, s.opts.EmailWindow},
		{scopeLoginIP, in.IPAddress, s.opts.IPLimit, s.opts.IPWindow},
	}
	for _, w := range windows {
		res, err := s.limiter.Check(ctx, w.scope, w.id, w.limit, w.window)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			s.audit.Log(ctx, audit.EventRateLimitExceeded, audit.Entry{
				IPAddress:     in.IPAddress,
				UserAgent:     in.UserAgent,
				CorrelationID: in.CorrelationID,
				Metadata: map[string]any{
					"scope":             w.scope,
					"retryAfterSeconds": int(res.RetryAfter.Seconds()),
				},
			})
			s.recordAttempt(ctx, nil, email, store.AttemptFailedRateLimited, in.IPAddress, in.UserAgent)
			return nil, apperr.TooManyRequests("Too many login attempts. Try again later.")
		}
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			s.passwords.DummyVerify()
			s.recordAttempt(ctx, nil, email, store.AttemptFailedInvalidCredentials, in.IPAddress, in.UserAgent)
			return nil, apperr.Unauthorized(msgInvalidCredentials)
		}
		return nil, err
	}

	// Deleted accounts behave exactly like absent ones.
	if user.Status == store.UserStatusDeleted {
		s.passwords.DummyVerify()
		s.recordAttempt(ctx, nil, email, store.AttemptFailedInvalidCredentials, in.IPAddress, in.UserAgent)
		return nil, apperr.Unauthorized(msgInvalidCredentials)
	}
	if user.Status == store.UserStatusSuspended {
		s.recordAttempt(ctx, &user.ID, email, store.AttemptFailedAccountLocked, in.IPAddress, in.UserAgent)
		return nil, apperr.Forbidden("Account is suspended")
	}
	if user.EmailVerifiedAt == nil {
		s.recordAttempt(ctx, &user.ID, email, store.AttemptFailedAccountLocked, in.IPAddress, in.UserAgent)
		return nil, apperr.Forbidden("Email address has not been verified")
	}

	locked, err := s.cache.Exists(ctx, cache.AccountLockedKey(user.ID))
	if err != nil {
		s.log.Warn("lockout_check_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if locked {
		s.recordAttempt(ctx, &user.ID, email, store.AttemptFailedAccountLocked, in.IPAddress, in.UserAgent)
		return nil, apperr.Forbidden("Account is temporarily locked. Try again later.")
	}

	if !s.passwords.VerifyPassword(user.PasswordHash, in.Password) {
		return nil, s.handleBadPassword(ctx, user, email, in)
	}

	if err := s.cache.Delete(ctx, cache.LoginFailuresKey(user.ID), cache.AccountLockedKey(user.ID)); err != nil {
		s.log.Warn("failure_counter_clear_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	cfg, err := s.store.GetMFAConfig(ctx, user.ID)
	if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, err
	}
	if cfg != nil && cfg.IsEnabled {
		return s.beginMFAChallenge(ctx, user, in)
	}

	return s.establishSession(ctx, sessionSetup{
		user:              user,
		deviceFingerprint: in.DeviceFingerprint,
		ipAddress:         in.IPAddress,
		userAgent:         in.UserAgent,
		correlationID:     in.CorrelationID,
		rememberMe:        in.RememberMe,
		method:            "password",
	})
}

// handleBadPassword bumps the failure counter, locks the account at the
// threshold, and returns the generic credential error.
func (s *LoginService) handleBadPassword(ctx context.Context, user *store.User, email string, in LoginInput) error {
	failures, err := s.cache.Increment(ctx, cache.LoginFailuresKey(user.ID), s.opts.FailureWindow)
	if err != nil {
		s.log.Warn("failure_counter_unavailable",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if int(failures) >= s.opts.MaxFailures {
		s.lockAccount(ctx, user, in)
	}

	s.audit.Log(ctx, audit.EventLoginFailed, audit.Entry{
		UserID:        &user.ID,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
		CorrelationID: in.CorrelationID,
		Metadata:      map[string]any{"failedAttempts": failures},
	})
	s.recordAttempt(ctx, &user.ID, email, store.AttemptFailedInvalidCredentials, in.IPAddress, in.UserAgent)
	return apperr.Unauthorized(msgInvalidCredentials)
}

func (s *LoginService) lockAccount(ctx context.Context, user *store.User, in LoginInput) {
	if err := s.cache.SetString(ctx, cache.AccountLockedKey(user.ID), "1", s.opts.LockoutTTL); err != nil {
		s.log.Error("account_lock_write_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	lockedMinutes := int(s.opts.LockoutTTL.Minutes())
	alert := security.CreateAlertInput{
		UserID:      &user.ID,
		Type:        store.AlertAccountLocked,
		Severity:    store.SeverityHigh,
		Title:       "Account locked after repeated failed logins",
		Description: fmt.Sprintf("Password verification failed %d times; sign-in is locked for %d minutes.", s.opts.MaxFailures, lockedMinutes),
		Metadata:    map[string]any{"failedAttempts": s.opts.MaxFailures},
	}
	if in.IPAddress != "" {
		alert.IPAddress = &in.IPAddress
	}
	if _, err := s.alerts.CreateAlert(ctx, alert); err != nil {
		s.log.Error("account_lock_alert_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	s.audit.Log(ctx, audit.EventAccountLocked, audit.Entry{
		UserID:        &user.ID,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
		CorrelationID: in.CorrelationID,
		Metadata:      map[string]any{"lockedMinutes": lockedMinutes},
	})

	if err := s.mail.Send(ctx, notify.Message{
		Type:      notify.TypeAccountLocked,
		Recipient: user.Email,
		Payload: map[string]any{
			"lockedMinutes": lockedMinutes,
			"ipAddress":     in.IPAddress,
		},
	}); err != nil {
		s.log.Error("account_lock_email_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// beginMFAChallenge parks the verified login context in the fast cache and
// hands the client a challenge id instead of tokens.
func (s *LoginService) beginMFAChallenge(ctx context.Context, user *store.User, in LoginInput) (*LoginResult, error) {
	challengeID := uuid.NewString()
	stash := challengeStash{
		UserID:            user.ID,
		Email:             user.Email,
		DeviceFingerprint: in.DeviceFingerprint,
		IPAddress:         in.IPAddress,
		UserAgent:         in.UserAgent,
		RememberMe:        in.RememberMe,
	}
	if err := s.cache.SetJSON(ctx, cache.MFAChallengeKey(challengeID), stash, s.opts.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("stash login challenge: %w", err)
	}

	s.audit.Log(ctx, audit.EventMFAChallengeSuccess, audit.Entry{
		UserID:        &user.ID,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
		CorrelationID: in.CorrelationID,
	})

	return &LoginResult{
		Success:        true,
		MFARequired:    true,
		MFAChallengeID: challengeID,
		AccessToken:    "",
		RefreshToken:   "",
	}, nil
}

// CompleteMFAInput finishes a login whose password step already passed.
type CompleteMFAInput struct {
	ChallengeID   string
	Code          string
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

// CompleteMFALogin settles the second factor for a pending login and runs
// the session-issuing tail of the pipeline. The stashed login context
// survives failed attempts so the client can retry within the challenge
// window; it is consumed on success.
func (s *LoginService) CompleteMFALogin(ctx context.Context, in CompleteMFAInput) (*LoginResult, error) {
	defer s.floor.hold(ctx, s.clock.Now())

	key := cache.MFAChallengeKey(in.ChallengeID)
	var stash challengeStash
	found, err := s.cache.GetJSON(ctx, key, &stash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.Unauthorized("Login challenge not found or expired. Sign in again.")
	}

	method, err := s.mfa.CompleteLogin(ctx, stash.UserID, in.Code, in.IPAddress, in.UserAgent)
	if err != nil {
		s.recordAttempt(ctx, &stash.UserID, stash.Email, store.AttemptFailedMFA, in.IPAddress, in.UserAgent)
		return nil, err
	}

	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.Warn("challenge_stash_delete_failed",
			slog.String("challenge_id", in.ChallengeID),
			slog.String("error", err.Error()),
		)
	}

	// Account state may have changed since the password step.
	user, err := s.store.GetUserByID(ctx, stash.UserID)
	if err != nil {
		return nil, err
	}
	if !user.CanAuthenticate() {
		return nil, apperr.Forbidden("Account can no longer sign in")
	}

	return s.establishSession(ctx, sessionSetup{
		user:              user,
		deviceFingerprint: stash.DeviceFingerprint,
		ipAddress:         stash.IPAddress,
		userAgent:         stash.UserAgent,
		correlationID:     in.CorrelationID,
		rememberMe:        stash.RememberMe,
		method:            "mfa_" + method,
	})
}

// sessionSetup is everything the session-issuing tail of the pipeline needs
// (device record, session cap, token pair, audit).
type sessionSetup struct {
	user              *store.User
	deviceFingerprint string
	ipAddress         string
	userAgent         string
	correlationID     string
	rememberMe        bool
	method            string
}

func (s *LoginService) establishSession(ctx context.Context, setup sessionSetup) (*LoginResult, error) {
	now := s.clock.Now()
	user := setup.user

	if setup.deviceFingerprint != "" {
		s.recordDevice(ctx, user, setup, now)
	}

	roles, err := s.store.ListActiveUserRoles(ctx, user.ID, now)
	if err != nil {
		return nil, err
	}
	roleNames := make([]string, 0, len(roles))
	for _, r := range roles {
		roleNames = append(roleNames, r.Role.Name)
	}

	sessionID := uuid.New()
	family := token.NewFamily()
	pair, err := s.tokens.GeneratePair(token.PairInput{
		UserID:      user.ID,
		SessionID:   sessionID,
		Roles:       roleNames,
		TokenFamily: family,
		Remembered:  setup.rememberMe,
	})
	if err != nil {
		return nil, fmt.Errorf("generate token pair: %w", err)
	}

	if _, err := s.sessions.CreateForLogin(ctx, session.CreateSessionInput{
		SessionID:         sessionID,
		UserID:            user.ID,
		AccessTokenHash:   token.Hash(pair.AccessToken),
		RefreshTokenHash:  token.Hash(pair.RefreshToken),
		TokenFamily:       family,
		DeviceFingerprint: setup.deviceFingerprint,
		UserAgent:         setup.userAgent,
		IPAddress:         setup.ipAddress,
		Remembered:        setup.rememberMe,
		ExpiresAt:         pair.RefreshExpiresAt,
	}); err != nil {
		return nil, err
	}

	s.recordAttempt(ctx, &user.ID, user.Email, store.AttemptSuccess, setup.ipAddress, setup.userAgent)
	s.audit.Log(ctx, audit.EventLoginSuccess, audit.Entry{
		UserID:        &user.ID,
		TargetType:    "session",
		TargetID:      sessionID.String(),
		IPAddress:     setup.ipAddress,
		UserAgent:     setup.userAgent,
		CorrelationID: setup.correlationID,
		Metadata:      map[string]any{"method": setup.method},
	})

	return &LoginResult{
		Success:               true,
		MFARequired:           false,
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		UserID:                &user.ID,
		AccessTokenExpiresAt:  &pair.AccessExpiresAt,
		RefreshTokenExpiresAt: &pair.RefreshExpiresAt,
	}, nil
}

// recordDevice upserts the device row for this login. Device bookkeeping is
// best-effort and never blocks the login itself.
func (s *LoginService) recordDevice(ctx context.Context, user *store.User, setup sessionSetup, now time.Time) {
	device, err := s.store.GetDevice(ctx, user.ID, setup.deviceFingerprint)
	switch {
	case apperr.IsCode(err, apperr.CodeNotFound):
		s.registerNewDevice(ctx, user, setup, now)
	case err != nil:
		s.log.Error("device_lookup_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	default:
		if err := s.store.UpdateDeviceSeen(ctx, device.ID, setup.ipAddress, now); err != nil {
			s.log.Error("device_update_failed",
				slog.String("device_id", device.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// registerNewDevice inserts an untrusted device row and raises the
// new-device alert and email.
func (s *LoginService) registerNewDevice(ctx context.Context, user *store.User, setup sessionSetup, now time.Time) {
	info := session.ParseUserAgent(setup.userAgent)
	d := &store.UserDevice{
		ID:            uuid.New(),
		UserID:        user.ID,
		Fingerprint:   setup.deviceFingerprint,
		Name:          info.Browser + " on " + info.OS,
		BrowserName:   info.Browser,
		OSName:        info.OS,
		LastIPAddress: setup.ipAddress,
		LastUsedAt:    now,
		IsTrusted:     false,
		CreatedAt:     now,
	}
	if err := s.store.InsertDevice(ctx, d); err != nil {
		s.log.Error("device_insert_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.audit.Log(ctx, audit.EventNewDeviceLogin, audit.Entry{
		UserID:     &user.ID,
		TargetType: "device",
		TargetID:   d.ID.String(),
		IPAddress:  setup.ipAddress,
		UserAgent:  setup.userAgent,
		Metadata:   map[string]any{"browser": info.Browser, "os": info.OS},
	})

	alert := security.CreateAlertInput{
		UserID:      &user.ID,
		Type:        store.AlertNewDeviceLogin,
		Severity:    store.SeverityMedium,
		Title:       "Sign-in from a new device",
		Description: fmt.Sprintf("First sign-in from %s on %s.", info.Browser, info.OS),
		Metadata:    map[string]any{"browser": info.Browser, "os": info.OS, "fingerprint": setup.deviceFingerprint},
	}
	if setup.ipAddress != "" {
		alert.IPAddress = &setup.ipAddress
	}
	if _, err := s.alerts.CreateAlert(ctx, alert); err != nil {
		s.log.Error("new_device_alert_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if err := s.mail.Send(ctx, notify.Message{
		Type:      notify.TypeNewDeviceAlert,
		Recipient: user.Email,
		Payload: map[string]any{
			"browser":   info.Browser,
			"os":        info.OS,
			"ipAddress": setup.ipAddress,
			"seenAt":    now.Format(time.RFC3339),
		},
	}); err != nil {
		s.log.Error("new_device_email_failed",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// recordAttempt writes the immutable login-attempt row. Recording failures
// are logged and swallowed; the attempt log must never decide a login.
func (s *LoginService) recordAttempt(ctx context.Context, userID *uuid.UUID, email, status, ip, userAgent string) {
	a := &store.LoginAttempt{
		ID:        uuid.New(),
		UserID:    userID,
		Email:     email,
		Status:    status,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.InsertLoginAttempt(ctx, a); err != nil {
		s.log.Error("login_attempt_record_failed",
			slog.String("email", email),
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
	}
}
