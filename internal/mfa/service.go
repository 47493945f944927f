// Package mfa implements TOTP-based two-factor authentication: enrollment,
// verification challenges, lockout on repeated failure, and single-use
// backup codes.
package mfa

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/cache"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/crypto"
	"github.com/pellenbrig/aegis/internal/security"
	"github.com/pellenbrig/aegis/internal/store"
	"github.com/pellenbrig/aegis/internal/totp"
)

const challengeTypeTOTP = "totp"

var codePattern = regexp.MustCompile(`^\d{6}$`)

// Store is the persistence surface the MFA service needs.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	GetMFAConfig(ctx context.Context, userID uuid.UUID) (*store.MFAConfiguration, error)
	EnableMFA(ctx context.Context, cfg *store.MFAConfiguration, codes []store.MFABackupCode) error
	DisableMFA(ctx context.Context, userID uuid.UUID) error
	RecordMFASuccess(ctx context.Context, userID uuid.UUID, at time.Time) error
	RecordMFAFailure(ctx context.Context, userID uuid.UUID, at time.Time) (int, error)
	LockMFA(ctx context.Context, userID uuid.UUID, until, at time.Time) error

	InsertMFAChallenge(ctx context.Context, c *store.MFAChallenge) error
	GetMFAChallenge(ctx context.Context, token string) (*store.MFAChallenge, error)
	IncrementChallengeAttempts(ctx context.Context, id uuid.UUID) (int, error)
	CompleteMFAChallenge(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteMFAChallenge(ctx context.Context, id uuid.UUID) error
	DeleteExpiredUserChallenges(ctx context.Context, userID uuid.UUID, now time.Time) error

	ListUnusedBackupCodes(ctx context.Context, userID uuid.UUID) ([]store.MFABackupCode, error)
	ListUsedBackupCodes(ctx context.Context, userID uuid.UUID) ([]store.MFABackupCode, error)
	MarkBackupCodeUsed(ctx context.Context, id uuid.UUID, at time.Time, ip, userAgent string) (bool, error)
	GetBackupCodeStats(ctx context.Context, userID uuid.UUID) (*store.BackupCodeStats, error)
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []store.MFABackupCode) error
}

// Cache holds short-lived setup state between initiation and confirmation.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Secrets covers the password and secret-encryption operations the service
// delegates to the crypto layer.
type Secrets interface {
	VerifyPassword(hash, password string) bool
	EncryptSecret(plain string) (string, error)
	DecryptSecret(encoded string) (string, error)
}

// Alerts raises security alerts for lockouts.
type Alerts interface {
	CreateAlert(ctx context.Context, in security.CreateAlertInput) (*store.SecurityAlert, error)
}

// Options tune enrollment and verification behavior. Zero values fall back
// to defaults.
type Options struct {
	SetupTTL         time.Duration // setup token lifetime
	ChallengeTTL     time.Duration // challenge lifetime
	MaxAttempts      int           // attempts per challenge
	LockThreshold    int           // cumulative failures before lockout
	LockDuration     time.Duration
	BackupCodeCount  int
	LowCodeThreshold int // remaining codes at which regeneration is advised
}

func (o Options) withDefaults() Options {
	if o.SetupTTL <= 0 {
		o.SetupTTL = 10 * time.Minute
	}
	if o.ChallengeTTL <= 0 {
		o.ChallengeTTL = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.LockThreshold <= 0 {
		o.LockThreshold = 5
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Minute
	}
	if o.BackupCodeCount <= 0 {
		o.BackupCodeCount = 10
	}
	if o.LowCodeThreshold <= 0 {
		o.LowCodeThreshold = 2
	}
	return o
}

// Service owns the MFA lifecycle for all users.
type Service struct {
	store   Store
	cache   Cache
	totp    *totp.Generator
	secrets Secrets
	alerts  Alerts
	audit   audit.Logger
	clock   clock.Clock
	log     *slog.Logger
	opts    Options
}

func NewService(st Store, c Cache, gen *totp.Generator, secrets Secrets, alerts Alerts, al audit.Logger, clk clock.Clock, log *slog.Logger, opts Options) *Service {
	return &Service{
		store:   st,
		cache:   c,
		totp:    gen,
		secrets: secrets,
		alerts:  alerts,
		audit:   al,
		clock:   clk,
		log:     log,
		opts:    opts.withDefaults(),
	}
}

// Status describes a user's MFA state. Users without a configuration get
// the disabled default.
type Status struct {
	IsEnabled            bool       `json:"isEnabled"`
	IsVerified           bool       `json:"isVerified"`
	LastUsedAt           *time.Time `json:"lastUsedAt,omitempty"`
	BackupCodesRemaining int        `json:"backupCodesRemaining"`
	CreatedAt            *time.Time `json:"createdAt,omitempty"`
}

func (s *Service) Status(ctx context.Context, userID uuid.UUID) (*Status, error) {
	cfg, err := s.store.GetMFAConfig(ctx, userID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}

	stats, err := s.store.GetBackupCodeStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	created := cfg.CreatedAt
	return &Status{
		IsEnabled:            cfg.IsEnabled,
		IsVerified:           cfg.VerifiedAt != nil,
		LastUsedAt:           cfg.LastUsedAt,
		BackupCodesRemaining: stats.Remaining,
		CreatedAt:            &created,
	}, nil
}

// setupState is what lives in the cache between initiation and confirmation.
type setupState struct {
	Secret string    `json:"secret"`
	UserID uuid.UUID `json:"userId"`
}

type SetupInput struct {
	UserID    uuid.UUID
	Password  string
	IPAddress string
	UserAgent string
}

// SetupSession is returned from BeginSetup. The secret itself stays
// server-side; the client only sees the provisioning URI and QR image.
type SetupSession struct {
	SetupToken    string    `json:"setupToken"`
	QRCodeDataURL string    `json:"qrCodeDataUrl"`
	OTPAuthURL    string    `json:"otpauthUrl"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// BeginSetup starts TOTP enrollment. The password is re-verified and the
// generated secret is parked in the cache until the user proves possession
// of the authenticator via ConfirmSetup.
func (s *Service) BeginSetup(ctx context.Context, in SetupInput) (*SetupSession, error) {
	user, err := s.store.GetUserByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != store.UserStatusActive {
		return nil, apperr.Forbidden("Account must be active to enable MFA")
	}
	if !s.secrets.VerifyPassword(user.PasswordHash, in.Password) {
		return nil, apperr.Unauthorized("Invalid password")
	}

	cfg, err := s.store.GetMFAConfig(ctx, in.UserID)
	switch {
	case err == nil && cfg.IsEnabled:
		return nil, apperr.Conflict("MFA is already enabled")
	case err == nil:
		// An unconfirmed enrollment was abandoned. Scrap it and start over.
		if err := s.store.DisableMFA(ctx, in.UserID); err != nil {
			return nil, err
		}
	case !apperr.IsCode(err, apperr.CodeNotFound):
		return nil, err
	}

	enr, err := s.totp.GenerateSecret(user.Email)
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	setupToken, err := crypto.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generate setup token: %w", err)
	}

	st := setupState{Secret: enr.Secret, UserID: in.UserID}
	if err := s.cache.SetJSON(ctx, cache.MFASetupKey(setupToken), st, s.opts.SetupTTL); err != nil {
		return nil, fmt.Errorf("stash setup state: %w", err)
	}

	s.audit.Log(ctx, audit.EventMFASetupInitiated, audit.Entry{
		UserID:    &in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})

	return &SetupSession{
		SetupToken:    setupToken,
		QRCodeDataURL: enr.QRCodeDataURL,
		OTPAuthURL:    enr.OTPAuthURL,
		ExpiresAt:     s.clock.Now().Add(s.opts.SetupTTL),
	}, nil
}

type ConfirmInput struct {
	UserID     uuid.UUID
	SetupToken string
	Code       string
	IPAddress  string
	UserAgent  string
}

// EnableResult carries the plaintext backup codes. They are shown exactly
// once; only Argon2id hashes are persisted.
type EnableResult struct {
	BackupCodes []string `json:"backupCodes"`
}

// ConfirmSetup proves the authenticator works, encrypts the secret at rest
// and enables MFA together with a fresh batch of backup codes.
func (s *Service) ConfirmSetup(ctx context.Context, in ConfirmInput) (*EnableResult, error) {
	var st setupState
	found, err := s.cache.GetJSON(ctx, cache.MFASetupKey(in.SetupToken), &st)
	if err != nil {
		return nil, fmt.Errorf("load setup state: %w", err)
	}
	if !found || st.UserID != in.UserID {
		return nil, apperr.BadRequest("Setup token is invalid or has expired")
	}
	if !s.totp.VerifyCode(st.Secret, in.Code) {
		return nil, apperr.BadRequest("Invalid verification code")
	}

	encrypted, err := s.secrets.EncryptSecret(st.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt totp secret: %w", err)
	}

	now := s.clock.Now()
	plain, rows, err := s.mintBackupCodes(in.UserID, now)
	if err != nil {
		return nil, err
	}

	verifiedAt := now
	cfg := &store.MFAConfiguration{
		UserID:          in.UserID,
		SecretEncrypted: encrypted,
		IsEnabled:       true,
		VerifiedAt:      &verifiedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.EnableMFA(ctx, cfg, rows); err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, cache.MFASetupKey(in.SetupToken)); err != nil {
		s.log.Warn("mfa_setup_token_delete_failed", slog.String("error", err.Error()))
	}

	s.audit.Log(ctx, audit.EventMFAEnabled, audit.Entry{
		UserID:    &in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})

	return &EnableResult{BackupCodes: plain}, nil
}

type DisableInput struct {
	UserID    uuid.UUID
	Password  string
	Code      string
	IPAddress string
	UserAgent string
}

// Disable turns MFA off after re-verifying both the password and a current
// TOTP code. The configuration, backup codes and pending challenges are all
// removed.
func (s *Service) Disable(ctx context.Context, in DisableInput) error {
	user, err := s.store.GetUserByID(ctx, in.UserID)
	if err != nil {
		return err
	}
	if !s.secrets.VerifyPassword(user.PasswordHash, in.Password) {
		return apperr.Unauthorized("Invalid password")
	}

	cfg, err := s.enabledConfig(ctx, in.UserID)
	if err != nil {
		return err
	}
	if err := s.verifyAgainstConfig(cfg, in.Code); err != nil {
		return err
	}

	if err := s.store.DisableMFA(ctx, in.UserID); err != nil {
		return err
	}

	s.audit.Log(ctx, audit.EventMFADisabled, audit.Entry{
		UserID:    &in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})
	return nil
}

type ChallengeInput struct {
	UserID    uuid.UUID
	IPAddress string
}

// Challenge is a pending verification the client must answer with a TOTP
// or backup code.
type Challenge struct {
	ChallengeToken    string    `json:"challengeToken"`
	Type              string    `json:"type"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AttemptsRemaining int       `json:"attemptsRemaining"`
}

// CreateChallenge opens a verification window for a user with MFA enabled.
// Expired challenges for the user are purged first.
func (s *Service) CreateChallenge(ctx context.Context, in ChallengeInput) (*Challenge, error) {
	cfg, err := s.enabledConfig(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if cfg.Locked(now) {
		return nil, apperr.TooManyRequests("MFA is temporarily locked. Try again later.")
	}

	if err := s.store.DeleteExpiredUserChallenges(ctx, in.UserID, now); err != nil {
		return nil, err
	}

	token, err := crypto.RandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generate challenge token: %w", err)
	}
	ch := &store.MFAChallenge{
		ID:             uuid.New(),
		ChallengeToken: token,
		UserID:         in.UserID,
		Type:           challengeTypeTOTP,
		MaxAttempts:    s.opts.MaxAttempts,
		ExpiresAt:      now.Add(s.opts.ChallengeTTL),
		IPAddress:      in.IPAddress,
		CreatedAt:      now,
	}
	if err := s.store.InsertMFAChallenge(ctx, ch); err != nil {
		return nil, err
	}

	return &Challenge{
		ChallengeToken:    ch.ChallengeToken,
		Type:              ch.Type,
		ExpiresAt:         ch.ExpiresAt,
		AttemptsRemaining: ch.MaxAttempts,
	}, nil
}

type VerifyInput struct {
	ChallengeToken string
	Code           string
	IPAddress      string
	UserAgent      string
}

// VerifyResult reports a completed challenge.
type VerifyResult struct {
	UserID     uuid.UUID `json:"userId"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// VerifyTOTP answers a challenge with an authenticator code. Failures burn
// a challenge attempt and count toward the account-level lockout threshold.
func (s *Service) VerifyTOTP(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	ch, err := s.loadUsableChallenge(ctx, in.ChallengeToken)
	if err != nil {
		return nil, err
	}

	// Reject malformed codes before any secret is decrypted.
	if !codePattern.MatchString(in.Code) {
		return nil, apperr.BadRequest("Code must be 6 digits")
	}

	cfg, err := s.enabledConfig(ctx, ch.UserID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if cfg.Locked(now) {
		return nil, apperr.TooManyRequests("MFA is temporarily locked. Try again later.")
	}

	secret, err := s.secrets.DecryptSecret(cfg.SecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt totp secret: %w", err)
	}

	if s.totp.VerifyCode(secret, in.Code) {
		if err := s.store.CompleteMFAChallenge(ctx, ch.ID, now); err != nil {
			return nil, err
		}
		if err := s.store.RecordMFASuccess(ctx, ch.UserID, now); err != nil {
			return nil, err
		}
		s.audit.Log(ctx, audit.EventMFAVerified, audit.Entry{
			UserID:    &ch.UserID,
			IPAddress: in.IPAddress,
			UserAgent: in.UserAgent,
		})
		return &VerifyResult{UserID: ch.UserID, VerifiedAt: now}, nil
	}

	return nil, s.recordFailedAttempt(ctx, ch, in.IPAddress, in.UserAgent, now)
}

// VerifyBackupCode answers a challenge with a single-use recovery code
// instead of an authenticator code. A matching code is consumed atomically;
// a spent or unknown code burns a challenge attempt like a wrong TOTP.
func (s *Service) VerifyBackupCode(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	ch, err := s.loadUsableChallenge(ctx, in.ChallengeToken)
	if err != nil {
		return nil, err
	}
	if len(in.Code) != totp.BackupCodeLength {
		return nil, apperr.BadRequest("Backup code must be 8 characters")
	}

	cfg, err := s.enabledConfig(ctx, ch.UserID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if cfg.Locked(now) {
		return nil, apperr.TooManyRequests("MFA is temporarily locked. Try again later.")
	}

	consumed, remaining, err := s.consumeBackupCode(ctx, ch.UserID, in.Code, in.IPAddress, in.UserAgent, now)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, s.recordFailedAttempt(ctx, ch, in.IPAddress, in.UserAgent, now)
	}

	if err := s.store.CompleteMFAChallenge(ctx, ch.ID, now); err != nil {
		return nil, err
	}
	if err := s.store.RecordMFASuccess(ctx, ch.UserID, now); err != nil {
		return nil, err
	}

	if remaining <= s.opts.LowCodeThreshold {
		s.log.Warn("backup_codes_running_low",
			slog.String("user_id", ch.UserID.String()),
			slog.Int("remaining", remaining),
		)
	}
	s.audit.Log(ctx, audit.EventMFABackupCodeUsed, audit.Entry{
		UserID:    &ch.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Metadata:  map[string]any{"backupCodesRemaining": remaining},
	})
	return &VerifyResult{UserID: ch.UserID, VerifiedAt: now}, nil
}

// Methods reported by CompleteLogin.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// CompleteLogin settles the second factor for a pending login in one step:
// it opens a challenge and immediately answers it with the presented code.
// Six-digit codes are tried as TOTP, anything else as a backup code.
// Failures count toward the cumulative lockout like any other challenge.
func (s *Service) CompleteLogin(ctx context.Context, userID uuid.UUID, code, ip, userAgent string) (string, error) {
	ch, err := s.CreateChallenge(ctx, ChallengeInput{UserID: userID, IPAddress: ip})
	if err != nil {
		return "", err
	}
	in := VerifyInput{
		ChallengeToken: ch.ChallengeToken,
		Code:           code,
		IPAddress:      ip,
		UserAgent:      userAgent,
	}
	if codePattern.MatchString(code) {
		if _, err := s.VerifyTOTP(ctx, in); err != nil {
			return "", err
		}
		return MethodTOTP, nil
	}
	if _, err := s.VerifyBackupCode(ctx, in); err != nil {
		return "", err
	}
	return MethodBackupCode, nil
}

type RegenerateInput struct {
	UserID    uuid.UUID
	Password  string
	Code      string
	IPAddress string
	UserAgent string
}

// RegenerateBackupCodes replaces the user's whole batch after re-verifying
// the password and a current TOTP code. Unused codes from the old batch stop
// working immediately.
func (s *Service) RegenerateBackupCodes(ctx context.Context, in RegenerateInput) (*EnableResult, error) {
	user, err := s.store.GetUserByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !s.secrets.VerifyPassword(user.PasswordHash, in.Password) {
		return nil, apperr.Unauthorized("Invalid password")
	}

	cfg, err := s.enabledConfig(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyAgainstConfig(cfg, in.Code); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	plain, rows, err := s.mintBackupCodes(in.UserID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceBackupCodes(ctx, in.UserID, rows); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.EventMFABackupCodesRegenerated, audit.Entry{
		UserID:    &in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Metadata:  map[string]any{"codeCount": len(plain)},
	})
	return &EnableResult{BackupCodes: plain}, nil
}

// recordFailedAttempt bumps both counters, locks the account when the
// cumulative threshold is crossed and discards the challenge once its
// attempts run out.
func (s *Service) recordFailedAttempt(ctx context.Context, ch *store.MFAChallenge, ip, userAgent string, now time.Time) error {
	attempts, err := s.store.IncrementChallengeAttempts(ctx, ch.ID)
	if err != nil {
		return err
	}
	failures, err := s.store.RecordMFAFailure(ctx, ch.UserID, now)
	if err != nil {
		return err
	}

	if failures >= s.opts.LockThreshold {
		if err := s.store.LockMFA(ctx, ch.UserID, now.Add(s.opts.LockDuration), now); err != nil {
			return err
		}
		s.raiseLockAlert(ctx, ch.UserID, ip, failures)
	}

	if attempts >= ch.MaxAttempts {
		if err := s.store.DeleteMFAChallenge(ctx, ch.ID); err != nil {
			return err
		}
		return apperr.TooManyRequests("Too many failed attempts. Request a new MFA challenge.")
	}

	s.audit.Log(ctx, audit.EventMFAVerificationFailed, audit.Entry{
		UserID:    &ch.UserID,
		IPAddress: ip,
		UserAgent: userAgent,
		Metadata:  map[string]any{"attemptsRemaining": ch.MaxAttempts - attempts},
	})
	return apperr.BadRequest("Invalid verification code")
}

func (s *Service) raiseLockAlert(ctx context.Context, userID uuid.UUID, ip string, failures int) {
	in := security.CreateAlertInput{
		UserID:      &userID,
		Type:        store.AlertAccountLocked,
		Severity:    store.SeverityHigh,
		Title:       "MFA locked after repeated failures",
		Description: "Two-factor verification failed too many times and is temporarily locked.",
		Metadata:    map[string]any{"failedAttempts": failures},
	}
	if ip != "" {
		in.IPAddress = &ip
	}
	if _, err := s.alerts.CreateAlert(ctx, in); err != nil {
		s.log.Error("mfa_lock_alert_failed", slog.String("error", err.Error()))
	}
}

// loadUsableChallenge fetches a challenge and rejects missing, completed,
// exhausted and expired ones with one indistinct message.
func (s *Service) loadUsableChallenge(ctx context.Context, token string) (*store.MFAChallenge, error) {
	ch, err := s.store.GetMFAChallenge(ctx, token)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, apperr.BadRequest("Invalid or expired MFA challenge")
	}
	if err != nil {
		return nil, err
	}
	if !ch.Usable(s.clock.Now()) {
		return nil, apperr.BadRequest("Invalid or expired MFA challenge")
	}
	return ch, nil
}

// enabledConfig loads the user's configuration and rejects users who never
// finished enrollment.
func (s *Service) enabledConfig(ctx context.Context, userID uuid.UUID) (*store.MFAConfiguration, error) {
	cfg, err := s.store.GetMFAConfig(ctx, userID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, apperr.BadRequest("MFA is not enabled")
	}
	if err != nil {
		return nil, err
	}
	if !cfg.IsEnabled {
		return nil, apperr.BadRequest("MFA is not enabled")
	}
	return cfg, nil
}

// verifyAgainstConfig checks a TOTP code against the stored secret.
func (s *Service) verifyAgainstConfig(cfg *store.MFAConfiguration, code string) error {
	if !codePattern.MatchString(code) {
		return apperr.BadRequest("Code must be 6 digits")
	}
	secret, err := s.secrets.DecryptSecret(cfg.SecretEncrypted)
	if err != nil {
		return fmt.Errorf("decrypt totp secret: %w", err)
	}
	if !s.totp.VerifyCode(secret, code) {
		return apperr.BadRequest("Invalid verification code")
	}
	return nil
}

// consumeBackupCode scans the user's unused codes for a match and marks it
// used. The store-side guard on usedAt makes the consumption one-shot even
// under concurrent attempts; a raced row is treated as a miss and the scan
// continues. Returns whether a code was consumed and how many remain.
func (s *Service) consumeBackupCode(ctx context.Context, userID uuid.UUID, code, ip, userAgent string, now time.Time) (bool, int, error) {
	codes, err := s.store.ListUnusedBackupCodes(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	for _, c := range codes {
		if !s.totp.VerifyBackupCode(c.CodeHash, code) {
			continue
		}
		ok, err := s.store.MarkBackupCodeUsed(ctx, c.ID, now, ip, userAgent)
		if err != nil {
			return false, 0, err
		}
		if !ok {
			continue
		}
		return true, len(codes) - 1, nil
	}
	return false, len(codes), nil
}

// mintBackupCodes generates a fresh plaintext batch along with the hashed
// rows to persist.
func (s *Service) mintBackupCodes(userID uuid.UUID, now time.Time) ([]string, []store.MFABackupCode, error) {
	plain, err := s.totp.GenerateBackupCodes(s.opts.BackupCodeCount)
	if err != nil {
		return nil, nil, fmt.Errorf("generate backup codes: %w", err)
	}
	rows := make([]store.MFABackupCode, len(plain))
	for i, code := range plain {
		hash, err := s.totp.HashBackupCode(code)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		rows[i] = store.MFABackupCode{
			ID:        uuid.New(),
			UserID:    userID,
			CodeHash:  hash,
			CreatedAt: now,
		}
	}
	return plain, rows, nil
}
