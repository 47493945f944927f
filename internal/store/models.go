package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UserStatus is the account lifecycle state. Only ACTIVE and verified users
// may authenticate.
type UserStatus string

const (
	UserStatusPendingVerification UserStatus = "PENDING_VERIFICATION"
	UserStatusActive              UserStatus = "ACTIVE"
	UserStatusSuspended           UserStatus = "SUSPENDED"
	UserStatusDeleted             UserStatus = "DELETED"
)

// Revocation and blacklist reasons.
const (
	ReasonUserLogout              = "USER_LOGOUT"
	ReasonTokenRotated            = "TOKEN_ROTATED"
	ReasonSessionRevoked          = "SESSION_REVOKED"
	ReasonAdminForceLogout        = "ADMIN_FORCE_LOGOUT"
	ReasonTokenReuseDetected      = "TOKEN_REUSE_DETECTED"
	ReasonLogoutAllDevices        = "LOGOUT_ALL_DEVICES"
	ReasonPasswordReset           = "PASSWORD_RESET"
	ReasonInactivityTimeout       = "INACTIVITY_TIMEOUT"
	ReasonConcurrentLimitEnforced = "CONCURRENT_LIMIT_ENFORCED"
)

// Login attempt outcomes.
const (
	AttemptSuccess                  = "success"
	AttemptFailedInvalidCredentials = "failed_invalid_credentials"
	AttemptFailedAccountLocked      = "failed_account_locked"
	AttemptFailedMFA                = "failed_mfa"
	AttemptFailedRateLimited        = "failed_rate_limited"
)

// Security alert severities and lifecycle states.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusDismissed    AlertStatus = "dismissed"
)

// Well-known alert types emitted by the core itself.
const (
	AlertBruteForceDetected      = "BRUTE_FORCE_DETECTED"
	AlertAccountLocked           = "ACCOUNT_LOCKED"
	AlertNewDeviceLogin          = "NEW_DEVICE_LOGIN"
	AlertMFADisabled             = "MFA_DISABLED"
	AlertSuspiciousLoginLocation = "SUSPICIOUS_LOGIN_LOCATION"
	AlertTokenReuseDetected      = "TOKEN_REUSE_DETECTED"
)

// Notification channels.
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
	ChannelInApp   = "in_app"
)

// User is the authentication principal.
type User struct {
	ID                uuid.UUID
	Email             string
	PasswordHash      string
	Status            UserStatus
	EmailVerifiedAt   *time.Time
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanAuthenticate reports whether the account may log in at all.
func (u *User) CanAuthenticate() bool {
	return u.Status == UserStatusActive && u.EmailVerifiedAt != nil
}

// Session is an active authenticated context.
type Session struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	AccessTokenHash   string
	RefreshTokenHash  string
	TokenFamily       string
	DeviceFingerprint string
	UserAgent         string
	IPAddress         string
	GeoCity           *string
	GeoCountry        *string
	IsActive          bool
	IsRemembered      bool
	LastActivityAt    time.Time
	ExpiresAt         time.Time
	RevokedAt         *time.Time
	RevokeReason      *string
	CreatedAt         time.Time
}

// Usable reports whether the session can still back requests at the given
// instant.
func (s *Session) Usable(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// BlacklistedToken is a tombstone for a token that must not be accepted
// again, kept until the token would have expired anyway.
type BlacklistedToken struct {
	TokenHash string
	ExpiresAt time.Time
	Reason    string
	CreatedAt time.Time
}

// UserDevice is a device previously seen for a user, keyed by fingerprint.
type UserDevice struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Fingerprint   string
	Name          string
	BrowserName   string
	OSName        string
	LastIPAddress string
	LastUsedAt    time.Time
	IsTrusted     bool
	CreatedAt     time.Time
}

// LoginAttempt is an immutable record of one authentication attempt.
type LoginAttempt struct {
	ID        uuid.UUID
	UserID    *uuid.UUID
	Email     string
	Status    string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// MFAConfiguration holds a user's encrypted TOTP secret and lockout state.
type MFAConfiguration struct {
	UserID          uuid.UUID
	SecretEncrypted string
	IsEnabled       bool
	VerifiedAt      *time.Time
	LastUsedAt      *time.Time
	FailedAttempts  int
	LockedUntil     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Locked reports whether MFA verification is currently locked out.
func (c *MFAConfiguration) Locked(now time.Time) bool {
	return c.LockedUntil != nil && c.LockedUntil.After(now)
}

// MFAChallenge is an in-flight MFA verification.
type MFAChallenge struct {
	ID             uuid.UUID
	ChallengeToken string
	UserID         uuid.UUID
	Type           string
	Attempts       int
	MaxAttempts    int
	ExpiresAt      time.Time
	CompletedAt    *time.Time
	IPAddress      string
	CreatedAt      time.Time
}

// Usable reports whether the challenge may still be attempted.
func (c *MFAChallenge) Usable(now time.Time) bool {
	return c.CompletedAt == nil && c.Attempts < c.MaxAttempts && c.ExpiresAt.After(now)
}

// MFABackupCode is a single-use recovery code. UsedAt transitions from nil
// to a timestamp exactly once.
type MFABackupCode struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	CodeHash      string
	UsedAt        *time.Time
	UsedIPAddress *string
	UsedUserAgent *string
	CreatedAt     time.Time
}

// BackupCodeStats aggregates a user's backup-code state.
type BackupCodeStats struct {
	Total       int
	Used        int
	Remaining   int
	LastUsedAt  *time.Time
	GeneratedAt *time.Time
}

// Role is an RBAC role; system roles are immutable.
type Role struct {
	ID             uuid.UUID
	Name           string
	DisplayName    string
	Description    string
	IsSystem       bool
	IsActive       bool
	ParentRoleID   *uuid.UUID
	OrganizationID *uuid.UUID
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HierarchyRow is one (ancestor, descendant, depth) closure entry. Every
// role owns a self-row at depth 0.
type HierarchyRow struct {
	AncestorRoleID   uuid.UUID
	DescendantRoleID uuid.UUID
	Depth            int
}

// UserRole is a role assignment.
type UserRole struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	RoleID         uuid.UUID
	OrganizationID *uuid.UUID
	GrantedAt      time.Time
	GrantedBy      *uuid.UUID
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
	RevokedBy      *uuid.UUID
	Reason         *string
}

// Active reports whether the assignment currently grants the role.
func (r *UserRole) Active(now time.Time) bool {
	if r.RevokedAt != nil {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// UserRoleWithRole joins an assignment with its role row.
type UserRoleWithRole struct {
	UserRole UserRole
	Role     Role
}

// Permission is a capability identified by (resource, action).
type Permission struct {
	ID          uuid.UUID
	Resource    string
	Action      string
	DisplayName string
	Description string
	Module      string
	Conditions  json.RawMessage
	IsActive    bool
	CreatedAt   time.Time
}

// Key returns the canonical "resource:action" form.
func (p *Permission) Key() string { return p.Resource + ":" + p.Action }

// Condition restricts a user-direct permission grant. The only ratified
// type is "own_organization"; unknown types deny by default.
type Condition struct {
	Type  string         `json:"type"`
	Value map[string]any `json:"value"`
}

// UserPermission is a per-user grant (isGranted) or deny (!isGranted).
type UserPermission struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	PermissionID uuid.UUID
	IsGranted    bool
	Conditions   []Condition
	Reason       string
	ExpiresAt    *time.Time
	GrantedBy    *uuid.UUID
	CreatedAt    time.Time
}

// Active reports whether the grant/deny currently applies.
func (p *UserPermission) Active(now time.Time) bool {
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}

// UserPermissionDetail joins a user-direct grant with its permission.
type UserPermissionDetail struct {
	UserPermission UserPermission
	Permission     Permission
}

// RolePermissionRow ties a permission to the role that carries it.
type RolePermissionRow struct {
	RoleID     uuid.UUID
	Permission Permission
}

// PasswordResetToken is a single-use reset grant stored by hash only.
type PasswordResetToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	IPAddress string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// PasswordHistory is one historical password hash.
type PasswordHistory struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	PasswordHash string
	CreatedAt    time.Time
}

// SecurityAlert is an observable security event with a lifecycle.
type SecurityAlert struct {
	ID          uuid.UUID
	UserID      *uuid.UUID
	Type        string
	Severity    AlertSeverity
	Status      AlertStatus
	Title       string
	Description string
	Metadata    map[string]any
	IPAddress   *string
	ResolvedAt  *time.Time
	ResolvedBy  *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AlertUser is the related-user projection embedded in listings.
type AlertUser struct {
	ID    uuid.UUID
	Email string
}

// AlertWithUser joins an alert with its (optional) user.
type AlertWithUser struct {
	Alert SecurityAlert
	User  *AlertUser
}

// AlertStats aggregates alert counts for a window.
type AlertStats struct {
	TotalCount          int
	ActiveCount         int
	AcknowledgedCount   int
	ResolvedCount       int
	DismissedCount      int
	CriticalActiveCount int
	HighActiveCount     int
}

// GroupCount is one bucket of a grouped alert count.
type GroupCount struct {
	Key   string
	Count int
}

// NotificationSubscription routes alert notifications for one user.
type NotificationSubscription struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Channel    string
	Endpoint   string
	EventTypes []string
	Severities []string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
