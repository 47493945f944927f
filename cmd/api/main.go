package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/pellenbrig/aegis/internal/audit"
	"github.com/pellenbrig/aegis/internal/auth"
	"github.com/pellenbrig/aegis/internal/cache"
	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/config"
	"github.com/pellenbrig/aegis/internal/crypto"
	"github.com/pellenbrig/aegis/internal/httpapi"
	"github.com/pellenbrig/aegis/internal/mfa"
	"github.com/pellenbrig/aegis/internal/notify"
	"github.com/pellenbrig/aegis/internal/rbac"
	"github.com/pellenbrig/aegis/internal/security"
	"github.com/pellenbrig/aegis/internal/session"
	"github.com/pellenbrig/aegis/internal/store"
	"github.com/pellenbrig/aegis/internal/token"
	"github.com/pellenbrig/aegis/internal/totp"
	"github.com/pellenbrig/aegis/pkg/logger"
)

func main() {
	// Local development reads .env files; deployed environments rely on
	// system env vars, so load errors are ignored.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	log := logger.Setup(env, "api")
	log.Info("application_startup", "env", env)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      env,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Error("database_url_parse_failed", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Error("database_pool_create_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Error("database_ping_failed", "error", err)
		os.Exit(1)
	}
	log.Info("database_connected")

	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("redis_connected")

	// Shared infrastructure.
	clk := clock.System{}
	st := store.New(pool)
	cch := cache.New(rdb)
	limiter := cache.NewLimiter(rdb, clk, log)
	auditLog := audit.NewPGLogger(st, clk, log)
	// Outbound mail rides the Redis queue; in development it only hits the log.
	var mail notify.Sender = notify.NewQueue(rdb, log)
	if cfg.Env == "development" {
		mail = &notify.DevMailer{Log: log}
	}

	secrets, err := crypto.New(cfg.MFAEncryptionKey, nil)
	if err != nil {
		log.Error("crypto_init_failed", "error", err)
		os.Exit(1)
	}

	tokens, err := token.NewProvider(cfg.JWTPrivateKey, clk, token.Options{
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		RememberedTTL: cfg.RememberedRefreshTTL,
	})
	if err != nil {
		log.Error("token_provider_init_failed", "error", err)
		os.Exit(1)
	}

	// Domain services. Security must exist before the services that raise
	// alerts through it.
	securitySvc := security.NewService(st, cch, mail, auditLog, clk, log, security.Options{
		DashboardTTL: cfg.DashboardCacheTTL,
	})

	sessions := session.NewService(st, cch, tokens, secrets, securitySvc, auditLog, clk, log, session.Options{
		AccessTTL:         cfg.AccessTokenTTL,
		ConcurrentLimit:   cfg.MaxSessionsPerUser,
		InactivityTimeout: cfg.SessionInactivityTimeout,
	})

	totpGen := totp.New(cfg.TOTPIssuer, clk, secrets)
	mfaSvc := mfa.NewService(st, cch, totpGen, secrets, securitySvc, auditLog, clk, log, mfa.Options{
		LockThreshold: cfg.MFAMaxFailures,
		LockDuration:  cfg.MFALockoutTTL,
	})

	rbacSvc := rbac.NewService(st, cch, auditLog, clk, log, rbac.Options{
		EffPermTTL: cfg.EffPermCacheTTL,
		RoleTTL:    cfg.RoleCacheTTL,
	})
	permSvc := rbac.NewPermissionService(st, rbacSvc, auditLog, clk, log)

	loginSvc := auth.NewLoginService(st, cch, limiter, sessions, tokens, secrets, mfaSvc, securitySvc, mail, auditLog, clk, log, auth.Options{
		MinResponseTime: cfg.LoginMinResponseTime,
		MaxFailures:     cfg.LoginMaxFailures,
		LockoutTTL:      cfg.LoginLockoutTTL,
		EmailLimit:      cfg.RateLimitEmailMax,
		EmailWindow:     cfg.RateLimitEmailWindow,
		IPLimit:         cfg.RateLimitIPMax,
		IPWindow:        cfg.RateLimitIPWindow,
	})

	resetSvc := auth.NewResetService(st, secrets, mail, auditLog, clk, log, auth.ResetOptions{
		MinResponseTime: cfg.LoginMinResponseTime,
		TokenTTL:        cfg.ResetTokenTTL,
		AccessTTL:       cfg.AccessTokenTTL,
	})

	health := httpapi.NewHealthHandler(log, map[string]httpapi.Pinger{
		"database": httpapi.PingFunc(pool.Ping),
		"redis": httpapi.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Login:       loginSvc,
		Reset:       resetSvc,
		Sessions:    sessions,
		MFA:         mfaSvc,
		Roles:       rbacSvc,
		Permissions: permSvc,
		Security:    securitySvc,
		Tokens:      tokens,
		Health:      health,
		Log:         log,
	}, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		// 20s allows in-flight requests and slow queries to finish.
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		pool.Close()
		log.Info("database_pool_closed")
		log.Info("server_shutdown_complete")
	}
}
