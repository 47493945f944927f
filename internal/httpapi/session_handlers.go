package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/session"
)

// SessionService is the session-lifecycle surface the transport needs. It
// embeds SessionChecker so one wired service backs both the bearer
// middleware and the handlers.
type SessionService interface {
	SessionChecker
	Refresh(ctx context.Context, in session.RefreshInput) (*session.RefreshResult, error)
	Logout(ctx context.Context, in session.LogoutInput) (*session.LogoutResult, error)
	LogoutAllDevices(ctx context.Context, in session.LogoutAllInput) (int, error)
	List(ctx context.Context, userID, currentSessionID uuid.UUID) ([]session.View, error)
	Revoke(ctx context.Context, sessionID, callerID uuid.UUID) error
	Heartbeat(ctx context.Context, sessionID uuid.UUID) error
	CheckTimeout(ctx context.Context, sessionID uuid.UUID) (*session.TimeoutStatus, error)
	ForceLogout(ctx context.Context, in session.ForceLogoutInput) error
}

// SessionHandler serves the caller's own session surface plus the
// administrative force-logout.
type SessionHandler struct {
	svc SessionService
	log *slog.Logger
}

func NewSessionHandler(svc SessionService, log *slog.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, log: log}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	views, err := h.svc.List(r.Context(), id.UserID, id.SessionID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"sessions": views})
}

func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid session id"))
		return
	}
	if err := h.svc.Revoke(r.Context(), sessionID, id.UserID); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	if err := h.svc.Heartbeat(r.Context(), id.SessionID); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"success": true})
}

func (h *SessionHandler) Timeout(w http.ResponseWriter, r *http.Request) {
	id := MustIdentity(r.Context())
	status, err := h.svc.CheckTimeout(r.Context(), id.SessionID)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, status)
}

type forceLogoutRequest struct {
	Reason string `json:"reason"`
}

func (req *forceLogoutRequest) Validate() error {
	if req.Reason == "" {
		return apperr.BadRequest("Reason is required")
	}
	return nil
}

// ForceLogout terminates any user's session. Guarded by
// sessions:force_logout at the router.
func (h *SessionHandler) ForceLogout(w http.ResponseWriter, r *http.Request) {
	var req forceLogoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	id := MustIdentity(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.log, apperr.BadRequest("Invalid session id"))
		return
	}
	err = h.svc.ForceLogout(r.Context(), session.ForceLogoutInput{
		SessionID:   sessionID,
		AdminUserID: id.UserID,
		Reason:      req.Reason,
		IPAddress:   clientIP(r),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]any{"success": true})
}
