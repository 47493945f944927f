package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
	"github.com/pellenbrig/aegis/internal/session"
	"github.com/pellenbrig/aegis/internal/store"
	"github.com/pellenbrig/aegis/internal/token"
)

// TokenVerifier checks access-token signatures and expiry.
type TokenVerifier interface {
	VerifyAccess(tokenString string) (*token.AccessClaims, error)
}

// SessionChecker confirms the session behind a verified token is still
// live and the token itself has not been revoked early.
type SessionChecker interface {
	Validate(ctx context.Context, sessionID uuid.UUID, accessExpiresAt time.Time) (*session.Validation, error)
	IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error)
}

// RequireAuth validates the bearer token, confirms the session behind it
// and stores the caller's Identity in the request context. A structurally
// valid token whose session was revoked, or whose hash sits on the
// blacklist, is rejected the same way as a bad signature.
func RequireAuth(tokens TokenVerifier, sessions SessionChecker, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				respondError(w, r, log, err)
				return
			}

			claims, err := tokens.VerifyAccess(raw)
			if err != nil {
				log.Warn("access_token_rejected",
					slog.String("ip", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				respondError(w, r, log, apperr.Unauthorized("Invalid or expired token"))
				return
			}

			blacklisted, err := sessions.IsTokenBlacklisted(r.Context(), token.Hash(raw))
			if err != nil {
				respondError(w, r, log, err)
				return
			}
			if blacklisted {
				respondError(w, r, log, apperr.Unauthorized("Token has been revoked"))
				return
			}

			v, err := sessions.Validate(r.Context(), claims.SessionID, claims.ExpiresAt.Time)
			if err != nil {
				respondError(w, r, log, err)
				return
			}
			if !v.Valid {
				respondError(w, r, log, apperr.Unauthorized("Session is no longer active"))
				return
			}
			if v.UserStatus != store.UserStatusActive {
				respondError(w, r, log, apperr.Forbidden("Account is not active"))
				return
			}

			id := &Identity{
				UserID:    claims.UserID,
				SessionID: claims.SessionID,
				Email:     v.Email,
				Roles:     claims.Roles,
			}
			ctx := withIdentity(r.Context(), id)
			setSentryUser(ctx, id, clientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperr.Unauthorized("Authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", apperr.Unauthorized("Authorization header must be a bearer token")
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", apperr.Unauthorized("Authorization header must be a bearer token")
	}
	return raw, nil
}

// setSentryUser tags the request's Sentry hub so errors carry who hit them.
func setSentryUser(ctx context.Context, id *Identity, ip string) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.Scope().SetUser(sentry.User{
			ID:        id.UserID.String(),
			Email:     id.Email,
			IPAddress: ip,
		})
	}
}
