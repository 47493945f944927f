package cache

import "github.com/google/uuid"

// Key conventions. Everything stored under these keys expires.

const DashboardSummaryKey = "security:dashboard:summary"

func SessionKey(sessionID string) string { return "session:" + sessionID }

func BlacklistKey(tokenHash string) string { return "blacklist:" + tokenHash }

func AccountLockedKey(userID uuid.UUID) string { return "account:locked:" + userID.String() }

func LoginFailuresKey(userID uuid.UUID) string { return "login:failures:" + userID.String() }

func RateLimitKey(scope, identifier string) string { return "ratelimit:" + scope + ":" + identifier }

func MFASetupKey(setupToken string) string { return "mfa:setup:" + setupToken }

func MFAChallengeKey(challengeID string) string { return "mfa:challenge:" + challengeID }

func EffectivePermissionsKey(userID uuid.UUID) string { return "user:effperm:" + userID.String() }

func RoleKey(roleID uuid.UUID) string { return "role:" + roleID.String() }
