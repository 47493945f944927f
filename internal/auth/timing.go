package auth

import (
	"context"
	"time"

	"github.com/pellenbrig/aegis/internal/clock"
)

// WaitFunc blocks for d or until ctx is done. Injected so tests can observe
// the enforced floor without real sleeps.
type WaitFunc func(ctx context.Context, d time.Duration)

func sleepWait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// floor pads an operation to a minimum duration. Deferred at the top of the
// enumeration-sensitive entry points so every outcome, including early
// rejections, takes at least the same time.
type floor struct {
	clock clock.Clock
	wait  WaitFunc
	min   time.Duration
}

func (f floor) hold(ctx context.Context, started time.Time) {
	if remaining := f.min - f.clock.Now().Sub(started); remaining > 0 {
		f.wait(ctx, remaining)
	}
}
