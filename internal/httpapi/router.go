package httpapi

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Deps carries every service the router mounts. All fields are required
// except Health, which defaults to an empty dependency list.
type Deps struct {
	Login       LoginService
	Reset       ResetService
	Sessions    SessionService
	MFA         MFAService
	Roles       RoleService
	Permissions PermissionCatalog
	Security    SecurityService
	Tokens      TokenVerifier
	Health      *HealthHandler
	Log         *slog.Logger
}

// Options tunes the transport-level middleware.
type Options struct {
	RPS            rate.Limit
	Burst          int
	AllowedOrigins []string
}

// NewRouter builds the full HTTP surface: public auth endpoints, the
// bearer-protected API, and the health probe.
func NewRouter(deps Deps, opts Options) chi.Router {
	if opts.RPS == 0 {
		opts.RPS = 20
	}
	if opts.Burst == 0 {
		opts.Burst = 40
	}
	if deps.Health == nil {
		deps.Health = NewHealthHandler(deps.Log, nil)
	}

	authH := NewAuthHandler(deps.Login, deps.Reset, deps.Sessions, deps.Log)
	sessionH := NewSessionHandler(deps.Sessions, deps.Log)
	mfaH := NewMFAHandler(deps.MFA, deps.Log)
	roleH := NewRoleHandler(deps.Roles, deps.Log)
	permH := NewPermissionHandler(deps.Permissions, deps.Roles, deps.Log)
	securityH := NewSecurityHandler(deps.Security, deps.Log)

	limiter := NewIPRateLimiter(opts.RPS, opts.Burst, deps.Log)
	requireAuth := RequireAuth(deps.Tokens, deps.Sessions, deps.Log)
	guard := func(resource, action string) func(http.Handler) http.Handler {
		return RequirePermission(deps.Roles, deps.Log, resource, action)
	}
	selfOr := func(resource, action string) func(http.Handler) http.Handler {
		return RequireSelfOrPermission(deps.Roles, deps.Log, "id", resource, action)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(RequestLogger(deps.Log))
	r.Use(PanicRecovery(deps.Log))
	r.Use(limiter.Middleware)
	r.Use(CORS(opts.AllowedOrigins))

	r.Get("/health", deps.Health.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		// Credential-bearing endpoints; no session required.
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authH.Login)
			r.Post("/refresh", authH.Refresh)
			r.Post("/mfa/verify", authH.VerifyMFA)
			r.Post("/mfa/verify-backup", authH.VerifyMFABackup)
			r.Post("/password/forgot", authH.ForgotPassword)
			r.Post("/password/reset", authH.ResetPassword)
			r.Post("/password/validate-token", authH.ValidateResetToken)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/logout", authH.Logout)
				r.Post("/logout-all", authH.LogoutAll)

				r.Get("/sessions", sessionH.List)
				r.Delete("/sessions/{id}", sessionH.Revoke)
				r.Post("/sessions/heartbeat", sessionH.Heartbeat)
				r.Get("/sessions/timeout", sessionH.Timeout)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)

			r.Route("/mfa", func(r chi.Router) {
				r.Get("/", mfaH.Status)
				r.Post("/", mfaH.BeginSetup)
				r.Post("/setup/verify", mfaH.ConfirmSetup)
				r.Post("/disable", mfaH.Disable)
				r.Get("/backup-codes", mfaH.CodesStatus)
				r.Get("/backup-codes/used", mfaH.UsedCodes)
				r.Post("/backup-codes/regenerate", mfaH.RegenerateCodes)
				r.Post("/backup-codes/export", mfaH.ExportCodes)
				r.Post("/backup-codes/verify", mfaH.VerifyBackupCode)
			})

			r.Route("/roles", func(r chi.Router) {
				r.With(guard("roles", "read")).Get("/", roleH.List)
				r.With(guard("roles", "create")).Post("/", roleH.Create)
				r.With(guard("roles", "read")).Get("/{id}", roleH.Get)
				r.With(guard("roles", "update")).Put("/{id}", roleH.Update)
				r.With(guard("roles", "delete")).Delete("/{id}", roleH.Delete)
				r.With(guard("roles", "update")).Put("/{id}/permissions", roleH.SetPermissions)
			})

			r.Route("/permissions", func(r chi.Router) {
				r.With(guard("permissions", "read")).Get("/", permH.List)
				r.With(guard("permissions", "create")).Post("/", permH.Create)
				r.With(guard("permissions", "read")).Get("/{id}", permH.Get)
				r.With(guard("permissions", "update")).Put("/{id}", permH.Update)
				r.With(guard("permissions", "delete")).Delete("/{id}", permH.Delete)
				r.With(guard("permissions", "assign")).Post("/bulk", permH.Bulk)
			})

			r.Route("/users/{id}", func(r chi.Router) {
				r.With(selfOr("roles", "read")).Get("/roles", roleH.ListUserRoles)
				r.With(guard("roles", "assign")).Post("/roles", roleH.Assign)
				r.With(guard("roles", "assign")).Delete("/roles/{roleID}", roleH.Revoke)

				r.With(selfOr("permissions", "read")).Get("/permissions", permH.EffectiveForUser)
				r.With(selfOr("permissions", "read")).Get("/permissions/direct", permH.ListUserDirect)
				r.With(selfOr("permissions", "read")).Post("/permissions/check", permH.Check)
				r.With(selfOr("permissions", "read")).Post("/permissions/check-context", permH.CheckWithContext)
				r.With(guard("permissions", "assign")).Post("/permissions", permH.AssignToUser)
				r.With(guard("permissions", "assign")).Delete("/permissions/{permissionID}", permH.RevokeFromUser)
			})

			r.Route("/security", func(r chi.Router) {
				r.Route("/alerts", func(r chi.Router) {
					r.With(guard("security_alerts", "read")).Get("/", securityH.ListAlerts)
					r.With(guard("security_alerts", "manage")).Post("/", securityH.CreateAlert)
					r.With(guard("security_alerts", "read")).Get("/stats", securityH.Stats)
					r.With(guard("security_alerts", "read")).Get("/dashboard", securityH.Dashboard)
					r.With(guard("security_alerts", "read")).Get("/{id}", securityH.GetAlert)
					r.With(guard("security_alerts", "manage")).Post("/{id}/acknowledge", securityH.Acknowledge)
					r.With(guard("security_alerts", "manage")).Post("/{id}/resolve", securityH.Resolve)
					r.With(guard("security_alerts", "manage")).Post("/{id}/dismiss", securityH.Dismiss)
				})

				// Subscriptions are self-service; ownership is enforced in
				// the service layer.
				r.Route("/subscriptions", func(r chi.Router) {
					r.Get("/", securityH.ListSubscriptions)
					r.Post("/", securityH.CreateSubscription)
					r.Put("/{id}", securityH.UpdateSubscription)
					r.Delete("/{id}", securityH.DeleteSubscription)
				})
			})

			r.With(guard("sessions", "force_logout")).Post("/admin/sessions/{id}/revoke", sessionH.ForceLogout)
		})
	})

	return r
}
