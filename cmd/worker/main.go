package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/pellenbrig/aegis/internal/clock"
	"github.com/pellenbrig/aegis/internal/config"
	"github.com/pellenbrig/aegis/internal/store"
	"github.com/pellenbrig/aegis/pkg/logger"
)

// Matches the session service's stale-retention default: revoked and
// expired session rows stay queryable for the device overview this long.
const staleSessionRetention = 30 * 24 * time.Hour

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	log := logger.Setup(env, "worker")

	cfg, err := config.Load()
	if err != nil {
		log.Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_pool_create_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Error("database_ping_failed", "error", err)
		os.Exit(1)
	}

	st := store.New(pool)
	clk := clock.System{}
	log.Info("janitor_started", "interval", cfg.WorkerInterval.String())

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Run once at startup so a fresh deploy cleans up immediately.
	runJanitor(ctx, st, clk, log)

	for {
		select {
		case <-ticker.C:
			runJanitor(ctx, st, clk, log)
		case <-quit:
			log.Info("janitor_shutdown")
			return
		}
	}
}

// runJanitor sweeps rows whose lifetime has lapsed. Each task is isolated:
// one failing sweep never blocks the others.
func runJanitor(ctx context.Context, st *store.Store, clk clock.Clock, log *slog.Logger) {
	now := clk.Now()
	log.Info("cleanup_cycle_started")

	count, err := st.DeleteExpiredBlacklistedTokens(ctx, now)
	if err != nil {
		log.Error("cleanup_blacklisted_tokens_failed", "error", err)
	} else if count > 0 {
		log.Info("cleaned_blacklisted_tokens", "deleted", count)
	}

	count, err = st.DeleteStaleSessions(ctx, now.Add(-staleSessionRetention))
	if err != nil {
		log.Error("cleanup_stale_sessions_failed", "error", err)
	} else if count > 0 {
		log.Info("cleaned_stale_sessions", "deleted", count)
	}

	count, err = st.DeleteExpiredMFAChallenges(ctx, now)
	if err != nil {
		log.Error("cleanup_mfa_challenges_failed", "error", err)
	} else if count > 0 {
		log.Info("cleaned_mfa_challenges", "deleted", count)
	}

	count, err = st.DeleteExpiredResetTokens(ctx, now)
	if err != nil {
		log.Error("cleanup_reset_tokens_failed", "error", err)
	} else if count > 0 {
		log.Info("cleaned_reset_tokens", "deleted", count)
	}
}
