package pipeline

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces the shared outbound extraction budget. Every stage draws
// from the same (count, window) allowance, and the ceiling bounds how many
// calls a batch may hold in flight at once.
type Limiter struct {
	rl      *rate.Limiter
	ceiling int
}

// NewLimiter builds a limiter allowing count calls per window.
func NewLimiter(count int, window time.Duration) *Limiter {
	if count <= 0 {
		count = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		rl:      rate.NewLimiter(rate.Every(window/time.Duration(count)), count),
		ceiling: count,
	}
}

// Acquire blocks until a call slot is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// Ceiling returns the maximum concurrent batch size.
func (l *Limiter) Ceiling() int {
	return l.ceiling
}
