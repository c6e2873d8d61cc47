// Package ratelimit implements a token bucket cap on upstream requests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/jobcollector/internal/metrics"
)

// Limiter caps the request rate shared by every worker talking to the
// upstream API.
type Limiter struct {
	limiter *rate.Limiter
}

// Config holds rate limiter configuration. A non-positive RPS disables the cap.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were available immediately are not interesting as delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// Unlimited reports whether the limiter never blocks.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.limiter == nil || l.limiter.Limit() == rate.Inf
}
