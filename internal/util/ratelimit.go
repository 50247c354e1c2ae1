package util

import (
	"context"
	"sync"
	"time"
)

// IntervalGate enforces a minimum spacing between successive operations.
// Wait blocks until at least the configured interval has elapsed since the
// previous caller was released. It is safe for concurrent use; callers are
// released one at a time in lock-acquisition order.
type IntervalGate struct {
	interval time.Duration
	mu       sync.Mutex
	last     time.Time
}

// NewIntervalGate creates an IntervalGate with the given minimum spacing.
func NewIntervalGate(interval time.Duration) *IntervalGate {
	return &IntervalGate{interval: interval}
}

// Wait blocks until the interval since the previous release has elapsed or
// the context is cancelled. The first call returns immediately.
func (g *IntervalGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.last.IsZero() {
		if remaining := g.interval - time.Since(g.last); remaining > 0 {
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	g.last = time.Now()
	return nil
}

// RateLimiter implements a token-bucket rate limiter that replenishes tokens
// at a fixed rate.
type RateLimiter struct {
	rate     float64 // tokens per second
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		tokens:   1, // start with one token available
		lastTime: time.Now(),
	}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens -= 1
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		// Wait a short interval before checking again.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
