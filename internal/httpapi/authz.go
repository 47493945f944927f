package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/apperr"
)

// PermissionChecker answers resource:action questions for a user.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, userID uuid.UUID, resource, action string) (bool, error)
}

// RequirePermission guards a route behind resource:action. It assumes
// RequireAuth already ran on the chain.
func RequirePermission(checker PermissionChecker, log *slog.Logger, resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := IdentityFrom(r.Context())
			if err != nil {
				respondError(w, r, log, apperr.Unauthorized("Authentication required"))
				return
			}
			allowed, err := checker.CheckPermission(r.Context(), id.UserID, resource, action)
			if err != nil {
				respondError(w, r, log, err)
				return
			}
			if !allowed {
				respondError(w, r, log, apperr.Forbidden("Missing permission "+resource+":"+action))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSelfOrPermission lets a caller through when the named URL
// parameter is their own user id, and otherwise falls back to a permission
// check. Used for the /users/{id}/... surface so people can always read
// their own assignments.
func RequireSelfOrPermission(checker PermissionChecker, log *slog.Logger, param, resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := IdentityFrom(r.Context())
			if err != nil {
				respondError(w, r, log, apperr.Unauthorized("Authentication required"))
				return
			}
			target, err := uuid.Parse(chi.URLParam(r, param))
			if err != nil {
				respondError(w, r, log, apperr.BadRequest("Invalid user id"))
				return
			}
			if target == id.UserID {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := checker.CheckPermission(r.Context(), id.UserID, resource, action)
			if err != nil {
				respondError(w, r, log, err)
				return
			}
			if !allowed {
				respondError(w, r, log, apperr.Forbidden("Missing permission "+resource+":"+action))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
