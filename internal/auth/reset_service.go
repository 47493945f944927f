package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/crypto"
	"github.com/pellenbrig/aegis/internal/notify"
	"github.com/pellenbrig/aegis/internal/store"
	"github.com/pellenbrig/aegis/internal/token"
)

// Raw reset tokens are 32 random bytes hex-encoded. Only their SHA-256
// fingerprint is stored; the raw token travels once, in the email.
const rawResetTokenLen = 64

// resetRequestAck is returned for every request outcome so responses do not
// reveal whether an account exists.
const resetRequestAck = "If an account exists for that email address, a password reset link has been sent."

// Reset-token states reported by ValidateToken.
const (
	TokenReasonMalformed = "malformed"
	TokenReasonNotFound  = "not_found"
	TokenReasonUsed      = "used"
	TokenReasonExpired   = "expired"
)

// ResetStore is the persistence surface the reset flow needs.
type ResetStore interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	InvalidateActiveResetTokens(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
	InsertResetToken(ctx context.Context, t *store.PasswordResetToken) error
	GetResetTokenByHash(ctx context.Context, hash string) (*store.PasswordResetToken, error)
	GetPasswordHistory(ctx context.Context, userID uuid.UUID, limit int) ([]store.PasswordHistory, error)
	CompletePasswordReset(ctx context.Context, p store.PasswordResetParams) (int, error)
}

// ResetOptions tunes the reset flow. Zero values fall back to defaults.
type ResetOptions struct {
	MinResponseTime time.Duration
	TokenTTL        time.Duration
	HistoryKeep     int // historical hashes a new password is compared against
	AccessTTL       time.Duration
	Wait            WaitFunc
}

func (o ResetOptions) withDefaults() ResetOptions {
	if o.MinResponseTime <= 0 {
		o.MinResponseTime = 200 * time.Millisecond
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = time.Hour
	}
	if o.HistoryKeep <= 0 {
		o.HistoryKeep = 5
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = 15 * time.Minute
	}
	if o.Wait == nil {
		o.Wait = sleepWait
	}
	return o
}

// ResetService owns the forgotten-password flow.
type ResetService struct {
	store     ResetStore
	passwords Passwords
	mail      notify.Sender
	audit     audit.Logger
	clock     clock.Clock
	log       *slog.Logger
	floor     floor
	opts      ResetOptions
}

func NewResetService(
	st ResetStore,
	passwords Passwords,
	mail notify.Sender,
	al audit.Logger,
	clk clock.Clock,
	log *slog.Logger,
	opts ResetOptions,
) *ResetService {
	opts = opts.withDefaults()
	return &ResetService{
		store:     st,
		passwords: passwords,
		mail:      mail,
		audit:     al,
		clock:     clk,
		log:       log,
		floor:     floor{clock: clk, wait: opts.Wait, min: opts.MinResponseTime},
		opts:      opts,
	}
}

// RequestInput asks for a reset link.
type RequestInput struct {
	Email         string
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

// RequestResult carries the uniform acknowledgement.
type RequestResult struct {
	Message string `json:"message"`
}

// Request issues a reset token for active accounts and acknowledges every
// request identically. Prior active tokens are retired so at most one link
// works at a time.
func (s *ResetService) Request(ctx context.Context, in RequestInput) (*RequestResult, error) {
	defer s.floor.hold(ctx, s.clock.Now())

	email := strings.ToLower(strings.TrimSpace(in.Email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return &RequestResult{Message: resetRequestAck}, nil
		}
		return nil, err
	}
	if user.Status != store.UserStatusActive {
		return &RequestResult{Message: resetRequestAck}, nil
	}

	now := s.clock.Now()
	if _, err := s.store.InvalidateActiveResetTokens(ctx, user.ID, now); err != nil {
		return nil, err
	}

	raw, err := crypto.RandomHex(rawResetTokenLen / 2)
	if err != nil {
		return nil, err
	}
	t := &store.PasswordResetToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: token.Hash(raw),
		IPAddress: in.IPAddress,
		ExpiresAt: now.Add(s.opts.TokenTTL),
		CreatedAt: now,
	}
	if err := s.store.InsertResetToken(ctx, t); err != nil {
		return nil, err
	}

	if err := s.mail.Send(ctx, notify.Message{
		Type:      notify.TypePasswordReset,
		Recipient: user.Email,
		Payload: map[string]any{
			"token":          raw,
			"expiresMinutes": int(s.opts.TokenTTL.Minutes()),
		},
	}); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.EventPasswordResetRequested, audit.Entry{
		UserID:        &user.ID,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
		CorrelationID: in.CorrelationID,
	})
	return &RequestResult{Message: resetRequestAck}, nil
}

// ResetInput redeems a reset token for a new password.
type ResetInput struct {
	Token         string
	Password      string
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

// Reset redeems a token. The new password must differ from the current one
// and from the retained history; on success the store applies the whole
// change in one transaction and every live session is revoked.
func (s *ResetService) Reset(ctx context.Context, in ResetInput) error {
	defer s.floor.hold(ctx, s.clock.Now())

	if len(in.Token) != rawResetTokenLen {
		return apperr.BadRequest("Invalid reset token")
	}

	t, err := s.store.GetResetTokenByHash(ctx, token.Hash(in.Token))
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return apperr.BadRequest("Invalid reset token")
		}
		return err
	}
	now := s.clock.Now()
	if t.UsedAt != nil {
		return apperr.BadRequest("Reset token has already been used")
	}
	if !t.ExpiresAt.After(now) {
		return apperr.BadRequest("Reset token has expired")
	}

	user, err := s.store.GetUserByID(ctx, t.UserID)
	if err != nil {
		return err
	}

	if s.passwords.VerifyPassword(user.PasswordHash, in.Password) {
		return apperr.BadRequest("New password must differ from your recent passwords")
	}
	history, err := s.store.GetPasswordHistory(ctx, user.ID, s.opts.HistoryKeep)
	if err != nil {
		return err
	}
	for _, h := range history {
		if s.passwords.VerifyPassword(h.PasswordHash, in.Password) {
			return apperr.BadRequest("New password must differ from your recent passwords")
		}
	}

	newHash, err := s.passwords.HashPassword(in.Password)
	if err != nil {
		return err
	}

	revoked, err := s.store.CompletePasswordReset(ctx, store.PasswordResetParams{
		UserID:      user.ID,
		TokenID:     t.ID,
		NewHash:     newHash,
		OldHash:     user.PasswordHash,
		Now:         now,
		HistoryKeep: s.opts.HistoryKeep,
		AccessTTL:   s.opts.AccessTTL,
	})
	if err != nil {
		return err
	}
	if revoked > 0 {
		s.log.Info("password_reset_sessions_revoked",
			slog.String("user_id", user.ID.String()),
			slog.Int("count", revoked),
		)
	}

	s.audit.Log(ctx, audit.EventPasswordResetCompleted, audit.Entry{
		UserID:        &user.ID,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
		CorrelationID: in.CorrelationID,
		Metadata:      map[string]any{"revokedSessions": revoked},
	})
	return nil
}

// TokenStatus reports whether a reset token is still redeemable.
type TokenStatus struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidateToken checks a token without consuming it or touching any state.
func (s *ResetService) ValidateToken(ctx context.Context, raw string) (*TokenStatus, error) {
	if len(raw) != rawResetTokenLen {
		return &TokenStatus{Reason: TokenReasonMalformed}, nil
	}
	t, err := s.store.GetResetTokenByHash(ctx, token.Hash(raw))
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return &TokenStatus{Reason: TokenReasonNotFound}, nil
		}
		return nil, err
	}
	switch {
	case t.UsedAt != nil:
		return &TokenStatus{Reason: TokenReasonUsed}, nil
	case !t.ExpiresAt.After(s.clock.Now()):
		return &TokenStatus{Reason: TokenReasonExpired}, nil
	}
	return &TokenStatus{Valid: true}, nil
}
