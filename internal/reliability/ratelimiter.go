// Package reliability implements the token-bucket rate limiter, the
// retry-with-backoff policy, and the equity circuit breaker consumed by the
// trading core (spec §4.1). All three are safe to share by reference across
// the signal and monitoring tasks.
package reliability

import (
	"context"
	"sync"
	"time"
)

// TokenBucketConfig configures a RateLimiter (spec §4.1.1).
type TokenBucketConfig struct {
	Capacity          int
	RefillRatePerMin  float64
	Burst             int
}

// DefaultTokenBucketConfig mirrors the teacher's Binance weight defaults,
// scaled down to the request-count semantics this spec uses.
func DefaultTokenBucketConfig() TokenBucketConfig {
	return TokenBucketConfig{Capacity: 1200, RefillRatePerMin: 1200, Burst: 100}
}

// RateLimiter is a token bucket: Acquire suspends the caller until a token
// is available, then consumes it. Refill is computed lazily on every call
// from elapsed wall time, never by a background goroutine, so idle buckets
// cost nothing.
type RateLimiter struct {
	mu       sync.Mutex
	cfg      TokenBucketConfig
	tokens   float64
	lastFill time.Time
	now      func() time.Time
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(cfg TokenBucketConfig) *RateLimiter {
	if cfg.Capacity <= 0 {
		cfg = DefaultTokenBucketConfig()
	}
	return &RateLimiter{
		cfg:      cfg,
		tokens:   float64(cfg.Capacity),
		lastFill: time.Now(),
		now:      time.Now,
	}
}

// refill recomputes the token count from elapsed time, clamped to capacity.
// Caller must hold mu.
func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastFill)
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed.Minutes() * r.cfg.RefillRatePerMin
	if r.tokens > float64(r.cfg.Capacity) {
		r.tokens = float64(r.cfg.Capacity)
	}
	r.lastFill = now
}

// Acquire blocks until one token is available, then consumes it. It
// respects ctx cancellation as a suspension point (spec §5).
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		// Compute a wait estimate for the next fractional token.
		deficit := 1 - r.tokens
		waitFor := time.Duration(deficit/r.cfg.RefillRatePerMin*60) * time.Second
		if waitFor <= 0 {
			waitFor = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(waitFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Status returns the recomputed token count without consuming one.
func (r *RateLimiter) Status() (tokens float64, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens, r.cfg.Capacity
}

// Budget returns how many items of the given per-item weight can be
// processed from the currently available tokens, generalizing the
// teacher's adaptive scan-budget idea (binance/rate_limiter.go) from a
// weight-window model to this plain token bucket.
func (r *RateLimiter) Budget(weightPerItem int) int {
	if weightPerItem <= 0 {
		return 0
	}
	tokens, _ := r.Status()
	return int(tokens) / weightPerItem
}
