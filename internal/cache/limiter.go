package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/pellenbrig/aegis/internal/clock"
)

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed    bool
	Current    int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter enforces sliding windows over Redis sorted sets. When Redis is
// unreachable it degrades to per-key in-process token buckets so a cache
// outage cannot disable throttling entirely.
type Limiter struct {
	rdb   *redis.Client
	clock clock.Clock
	log   *slog.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewLimiter(rdb *redis.Client, clk clock.Clock, log *slog.Logger) *Limiter {
	return &Limiter{
		rdb:   rdb,
		clock: clk,
		log:   log,
		local: make(map[string]*rate.Limiter),
	}
}

// Check trims entries older than the window, counts what remains, and only
// records the new attempt when it is allowed. Denied attempts do not extend
// the window.
func (l *Limiter) Check(ctx context.Context, scope, identifier string, limit int, window time.Duration) (Result, error) {
	key := RateLimitKey(scope, identifier)
	now := l.clock.Now()
	windowStart := now.Add(-window)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("rate_limiter_degraded",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return l.checkLocal(key, limit, window, now), nil
	}

	current := int(countCmd.Val())
	if current >= limit {
		resetAt := now.Add(window)
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			resetAt = time.Unix(0, int64(oldest[0].Score)).Add(window)
		}
		return Result{
			Allowed:    false,
			Current:    current,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	add := l.rdb.TxPipeline()
	add.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	add.Expire(ctx, key, window)
	if _, err := add.Exec(ctx); err != nil {
		l.log.Warn("rate_limiter_record_failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return Result{
		Allowed: true,
		Current: current + 1,
		ResetAt: now.Add(window),
	}, nil
}

func (l *Limiter) checkLocal(key string, limit int, window time.Duration, now time.Time) Result {
	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.local[key] = lim
	}
	l.mu.Unlock()

	return Result{
		Allowed: lim.Allow(),
		ResetAt: now.Add(window),
	}
}
