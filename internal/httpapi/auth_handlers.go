package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/auth"
	"github.com/pellenbrig/aegis/internal/session"
)

// LoginService is the login-pipeline surface the transport needs.
type LoginService interface {
	Login(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error)
	CompleteMFALogin(ctx context.Context, in auth.CompleteMFAInput) (*auth.LoginResult, error)
}

// ResetService is the password-recovery surface.
type ResetService interface {
	Request(ctx context.Context, in auth.RequestInput) (*auth.RequestResult, error)
	Reset(ctx context.Context, in auth.ResetInput) error
	ValidateToken(ctx context.Context, raw string) (*auth.TokenStatus, error)
}

// AuthHandler serves the credential endpoints: login, the MFA completion
// step, token refresh, logout and password recovery.
type AuthHandler struct {
	login    LoginService
	reset    ResetService
	sessions SessionService
	log      *slog.Logger
}

func NewAuthHandler(login LoginService, reset ResetService, sessions SessionService, log *slog.Logger) *AuthHandler {
	return &AuthHandler{login: login, reset: reset, sessions: sessions, log: log}
}

type loginRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	RememberMe        bool   `json:"rememberMe,omitempty"`
}

func (req *loginRequest) Validate() error {
	if req.Email == "" {
		return apperr.BadRequest("Email is required")
	}
	if req.Password == "" {
		return apperr.BadRequest("Password is required")
	}
	return nil
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	res, err := h.login.Login(r.Context(), auth.LoginInput{
		Email:             req.Email,
		Password:          req.Password,
		DeviceFingerprint: req.DeviceFingerprint,
		RememberMe:        req.RememberMe,
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		CorrelationID:     chimw.GetReqID(r.Context()),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

type verifyMFARequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

func (req *verifyMFARequest) Validate() error {
	if req.ChallengeID == "" {
		return apperr.BadRequest("Challenge id is required")
	}
	if req.Code == "" {
		return apperr.BadRequest("Code is required")
	}
	return nil
}

// VerifyMFA settles a pending login with an authenticator code.
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	h.completeMFA(w, r)
}

// VerifyMFABackup settles a pending login with a single-use backup code.
// The service picks the verifier by code shape, so both routes share the
// completion path.
func (h *AuthHandler) VerifyMFABackup(w http.ResponseWriter, r *http.Request) {
	h.completeMFA(w, r)
}

func (h *AuthHandler) completeMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	res, err := h.login.CompleteMFALogin(r.Context(), auth.CompleteMFAInput{
		ChallengeID:   req.ChallengeID,
		Code:          req.Code,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
		CorrelationID: chimw.GetReqID(r.Context()),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (req *refreshRequest) Validate() error {
	if req.RefreshToken == "" {
		return apperr.BadRequest("Refresh token is required")
	}
	return nil
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	res, err := h.sessions.Refresh(r.Context(), session.RefreshInput{
		RefreshToken: req.RefreshToken,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	res, err := h.sessions.Logout(r.Context(), session.LogoutInput{
		SessionID: id.SessionID,
		UserID:    id.UserID,
		IPAddress: clientIP(r),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

type logoutAllRequest struct {
	Password string `json:"password"`
}

func (req *logoutAllRequest) Validate() error {
	if req.Password == "" {
		return apperr.BadRequest("Password is required")
	}
	return nil
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	var req logoutAllRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	count, err := h.sessions.LogoutAllDevices(r.Context(), session.LogoutAllInput{
		UserID:           id.UserID,
		CurrentSessionID: id.SessionID,
		Password:         req.Password,
		IPAddress:        clientIP(r),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{
		"success":         true,
		"revokedSessions": count,
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (req *forgotPasswordRequest) Validate() error {
	if req.Email == "" {
		return apperr.BadRequest("Email is required")
	}
	return nil
}

func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	res, err := h.reset.Request(r.Context(), auth.RequestInput{
		Email:         req.Email,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
		CorrelationID: chimw.GetReqID(r.Context()),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, res)
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (req *resetPasswordRequest) Validate() error {
	if req.Token == "" {
		return apperr.BadRequest("Reset token is required")
	}
	if req.Password == "" {
		return apperr.BadRequest("Password is required")
	}
	return nil
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	err := h.reset.Reset(r.Context(), auth.ResetInput{
		Token:         req.Token,
		Password:      req.Password,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
		CorrelationID: chimw.GetReqID(r.Context()),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]string{
		"message": "Password has been reset. Sign in with your new password.",
	})
}

type validateResetTokenRequest struct {
	Token string `json:"token"`
}

func (req *validateResetTokenRequest) Validate() error {
	if req.Token == "" {
		return apperr.BadRequest("Reset token is required")
	}
	return nil
}

// ValidateResetToken backs the reset form's pre-flight check. It never
// consumes the token.
func (h *AuthHandler) ValidateResetToken(w http.ResponseWriter, r *http.Request) {
	var req validateResetTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	status, err := h.reset.ValidateToken(r.Context(), req.Token)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, status)
}
