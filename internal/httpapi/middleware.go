package httpapi

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/pellenbrig/aegis/internal/apperr"
)

// RequestLogger emits one line per request with status, timing and the chi
// request id. 4xx log as warnings, 5xx as errors.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			switch {
			case ww.Status() >= 500:
				level = slog.LevelError
			case ww.Status() >= 400:
				level = slog.LevelWarn
			}
			log.Log(r.Context(), level, "http_request_completed",
				slog.Int("status", ww.Status()),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)),
				slog.String("req_id", chimw.GetReqID(r.Context())),
				slog.String("ip", r.RemoteAddr),
			)
		})
	}
}

// PanicRecovery turns panics into a generic 500 after logging the stack and
// handing the panic to the request's Sentry hub.
func PanicRecovery(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic_recovered",
						slog.Any("error", rec),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("ip", r.RemoteAddr),
						slog.String("stack", string(debug.Stack())),
					)
					if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
						hub.Recover(rec)
					}
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// IPRateLimiter keeps one token bucket per client IP. This is the blunt
// transport-level backstop; the login pipeline carries its own sliding
// windows on top.
type IPRateLimiter struct {
	visitors sync.Map // ip -> *visitor
	rps      rate.Limit
	burst    int
	log      *slog.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// NewIPRateLimiter starts a limiter allowing rps sustained requests with
// the given burst per IP. Idle buckets are dropped in the background.
func NewIPRateLimiter(rps rate.Limit, burst int, log *slog.Logger) *IPRateLimiter {
	l := &IPRateLimiter{rps: rps, burst: burst, log: log}
	go l.cleanupLoop()
	return l
}

func (l *IPRateLimiter) limiter(ip string, now time.Time) *rate.Limiter {
	if v, ok := l.visitors.Load(ip); ok {
		vis := v.(*visitor)
		vis.lastSeen.Store(now.UnixNano())
		return vis.limiter
	}
	vis := &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
	vis.lastSeen.Store(now.UnixNano())
	actual, _ := l.visitors.LoadOrStore(ip, vis)
	return actual.(*visitor).limiter
}

func (l *IPRateLimiter) cleanupLoop() {
	for {
		time.Sleep(10 * time.Minute)
		cutoff := time.Now().Add(-10 * time.Minute).UnixNano()
		l.visitors.Range(func(key, value any) bool {
			if value.(*visitor).lastSeen.Load() < cutoff {
				l.visitors.Delete(key)
			}
			return true
		})
	}
}

// Middleware rejects requests over the per-IP rate with 429.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.limiter(ip, time.Now()).Allow() {
			l.log.Warn("ip_rate_limit_exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			respondError(w, r, l.log, apperr.TooManyRequests("Too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORS answers cross-origin requests against a fixed allow-list. Requests
// without an Origin header pass through untouched; disallowed origins are
// blocked outright rather than left for the browser to discard.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed[origin] {
				http.Error(w, "CORS policy violation", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
				w.Header().Set("Access-Control-Max-Age", "300")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
