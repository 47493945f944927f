// Package config maps environment variables into the typed runtime
// configuration shared by the api and worker binaries. Every tunable the
// services depend on (token lifetimes, lockout thresholds, rate-limit
// windows) lives here so deployments and tests adjust behaviour without
// code changes.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime configuration.
type Config struct {
	// Server
	Env  string `env:"APP_ENV" envDefault:"development"`
	Port string `env:"PORT"    envDefault:"8080"`

	// Backing stores
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL"   envDefault:"redis://localhost:6379/0"`

	// Error reporting (optional)
	SentryDSN string `env:"SENTRY_DSN"`

	// CORS. Browsers on these origins may call the API with credentials.
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Key material. JWTPrivateKey is a PEM-encoded RSA private key;
	// MFAEncryptionKey is 64 hex characters (32 bytes) for AES-256-GCM.
	JWTPrivateKey    string `env:"JWT_PRIVATE_KEY,required"`
	MFAEncryptionKey string `env:"MFA_SECRET_ENCRYPTION_KEY,required"`

	// Token lifetimes
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL"             envDefault:"15m"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL"            envDefault:"168h"`
	RememberedRefreshTTL time.Duration `env:"REFRESH_TOKEN_TTL_REMEMBERED" envDefault:"720h"`

	// Sessions
	SessionInactivityTimeout time.Duration `env:"SESSION_INACTIVITY_TIMEOUT" envDefault:"60m"`
	MaxSessionsPerUser       int           `env:"MAX_SESSIONS_PER_USER"      envDefault:"5"`

	// Login hardening
	LoginMinResponseTime time.Duration `env:"LOGIN_MIN_RESPONSE_TIME" envDefault:"200ms"`
	LoginMaxFailures     int           `env:"LOGIN_MAX_FAILURES"      envDefault:"10"`
	LoginLockoutTTL      time.Duration `env:"LOGIN_LOCKOUT_TTL"       envDefault:"30m"`

	// MFA
	TOTPIssuer     string        `env:"TOTP_ISSUER"      envDefault:"Aegis"`
	MFAMaxFailures int           `env:"MFA_MAX_FAILURES" envDefault:"5"`
	MFALockoutTTL  time.Duration `env:"MFA_LOCKOUT_TTL"  envDefault:"30m"`

	// Rate limiting (sliding windows)
	RateLimitEmailMax    int           `env:"RATE_LIMIT_EMAIL_MAX"    envDefault:"5"`
	RateLimitEmailWindow time.Duration `env:"RATE_LIMIT_EMAIL_WINDOW" envDefault:"15m"`
	RateLimitIPMax       int           `env:"RATE_LIMIT_IP_MAX"       envDefault:"20"`
	RateLimitIPWindow    time.Duration `env:"RATE_LIMIT_IP_WINDOW"    envDefault:"1h"`

	// Password reset
	ResetTokenTTL time.Duration `env:"RESET_TOKEN_TTL" envDefault:"1h"`

	// Caching
	EffPermCacheTTL   time.Duration `env:"EFFPERM_CACHE_TTL"   envDefault:"5m"`
	RoleCacheTTL      time.Duration `env:"ROLE_CACHE_TTL"      envDefault:"10m"`
	DashboardCacheTTL time.Duration `env:"DASHBOARD_CACHE_TTL" envDefault:"60s"`

	// Worker
	WorkerInterval time.Duration `env:"WORKER_INTERVAL" envDefault:"1h"`
}

// Load parses environment variables into a Config. Fields marked required
// fail fast when absent.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }
