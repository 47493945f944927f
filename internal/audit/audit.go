// Package audit records the canonical authentication audit trail. Audit
// writes never fail a request: a failed insert is logged and dropped.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pellenbrig/aegis/internal/clock"
)

// Canonical audit event types.
const (
	EventLoginSuccess                    = "LOGIN_SUCCESS"
	EventLoginFailed                     = "LOGIN_FAILED"
	EventMFAChallengeSuccess             = "MFA_CHALLENGE_SUCCESS"
	EventMFASetupInitiated               = "MFA_SETUP_INITIATED"
	EventMFAEnabled                      = "MFA_ENABLED"
	EventMFADisabled                     = "MFA_DISABLED"
	EventMFAVerified                     = "MFA_VERIFIED"
	EventMFAVerificationFailed           = "MFA_VERIFICATION_FAILED"
	EventMFABackupCodeUsed               = "MFA_BACKUP_CODE_USED"
	EventMFABackupCodesRegenerated       = "MFA_BACKUP_CODES_REGENERATED"
	EventBackupCodesExported             = "BACKUP_CODES_EXPORTED"
	EventAccountLocked                   = "ACCOUNT_LOCKED"
	EventNewDeviceLogin                  = "NEW_DEVICE_LOGIN"
	EventRateLimitExceeded               = "RATE_LIMIT_EXCEEDED"
	EventTokenRefreshed                  = "TOKEN_REFRESHED"
	EventSessionRevoked                  = "SESSION_REVOKED"
	EventAllSessionsRevoked              = "ALL_SESSIONS_REVOKED"
	EventConcurrentLimitEnforced         = "CONCURRENT_LIMIT_ENFORCED"
	EventUserLogout                      = "USER_LOGOUT"
	EventLogoutAllDevices                = "LOGOUT_ALL_DEVICES"
	EventAdminForceLogout                = "ADMIN_FORCE_LOGOUT"
	EventPasswordResetRequested          = "PASSWORD_RESET_REQUESTED"
	EventPasswordResetCompleted          = "PASSWORD_RESET_COMPLETED"
	EventRoleCreated                     = "ROLE_CREATED"
	EventRoleUpdated                     = "ROLE_UPDATED"
	EventRoleDeleted                     = "ROLE_DELETED"
	EventRolePermissionsUpdated          = "ROLE_PERMISSIONS_UPDATED"
	EventRoleAssigned                    = "ROLE_ASSIGNED"
	EventRoleRevoked                     = "ROLE_REVOKED"
	EventPermissionCreated               = "PERMISSION_CREATED"
	EventPermissionUpdated               = "PERMISSION_UPDATED"
	EventPermissionDeleted               = "PERMISSION_DELETED"
	EventUserPermissionAssigned          = "USER_PERMISSION_ASSIGNED"
	EventUserPermissionRevoked           = "USER_PERMISSION_REVOKED"
	EventBulkPermissionsAssigned         = "BULK_PERMISSIONS_ASSIGNED"
	EventSecurityAlertCreated            = "SECURITY_ALERT_CREATED"
	EventSecurityAlertAcknowledged       = "SECURITY_ALERT_ACKNOWLEDGED"
	EventSecurityAlertResolved           = "SECURITY_ALERT_RESOLVED"
	EventSecurityAlertDismissed          = "SECURITY_ALERT_DISMISSED"
	EventNotificationSubscriptionCreated = "NOTIFICATION_SUBSCRIPTION_CREATED"
	EventNotificationSubscriptionDeleted = "NOTIFICATION_SUBSCRIPTION_DELETED"
)

// Entry carries the who/what/where of one audit event. UserID is the subject
// and ActorID the initiator when they differ (admin actions).
type Entry struct {
	UserID        *uuid.UUID
	ActorID       *uuid.UUID
	TargetType    string
	TargetID      string
	IPAddress     string
	UserAgent     string
	CorrelationID string
	Metadata      map[string]any
}

// Logger is how services emit audit events.
type Logger interface {
	Log(ctx context.Context, event string, e Entry)
}

// Repository persists audit rows.
type Repository interface {
	InsertAuditLog(ctx context.Context, event string, e Entry, at time.Time) error
}

// PGLogger writes events through a Repository. Insert failures are reported
// on the application log and swallowed so the surrounding operation keeps
// going.
type PGLogger struct {
	repo  Repository
	clock clock.Clock
	log   *slog.Logger
}

func NewPGLogger(repo Repository, clk clock.Clock, log *slog.Logger) *PGLogger {
	return &PGLogger{repo: repo, clock: clk, log: log}
}

func (l *PGLogger) Log(ctx context.Context, event string, e Entry) {
	if err := l.repo.InsertAuditLog(ctx, event, e, l.clock.Now()); err != nil {
		l.log.Error("audit_insert_failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(context.Context, string, Entry) {}

// Recorder captures events in memory for assertions.
type Recorder struct {
	mu      sync.Mutex
	events  []string
	entries []Entry
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Log(_ context.Context, event string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.entries = append(r.entries, e)
}

// Events returns the event types in emission order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Entries returns the recorded entries in emission order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Has reports whether an event of the given type was recorded.
func (r *Recorder) Has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev == event {
			return true
		}
	}
	return false
}
