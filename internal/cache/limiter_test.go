package cache

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pellenbrig/aegis/internal/clock"
)

func newTestLimiter() *Limiter {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewLimiter(nil, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCheckLocal_AllowsBurstThenDenies(t *testing.T) {
	l := newTestLimiter()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		res := l.checkLocal("login:alice", 5, 15*time.Minute, now)
		assert.True(t, res.Allowed, "attempt %d should pass", i+1)
	}

	res := l.checkLocal("login:alice", 5, 15*time.Minute, now)
	assert.False(t, res.Allowed)
	assert.Equal(t, now.Add(15*time.Minute), res.ResetAt)
}

func TestCheckLocal_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		l.checkLocal("login:alice", 5, 15*time.Minute, now)
	}
	assert.False(t, l.checkLocal("login:alice", 5, 15*time.Minute, now).Allowed)
	assert.True(t, l.checkLocal("login:bob", 5, 15*time.Minute, now).Allowed)
}

func TestRateLimitKey(t *testing.T) {
	tests := []struct {
		name       string
		scope      string
		identifier string
		want       string
	}{
		{name: "email scope", scope: "login:email", identifier: "a@b.com", want: "ratelimit:login:email:a@b.com"},
		{name: "ip scope", scope: "login:ip", identifier: "10.0.0.1", want: "ratelimit:login:ip:10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RateLimitKey(tt.scope, tt.identifier))
		})
	}
}
