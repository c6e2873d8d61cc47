// Package jitter provides the randomized inter-page delays used by workers.
package jitter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/jobcollector/internal/metrics"
)

// Uniform sleeps for a duration drawn uniformly from [Min, Max].
type Uniform struct {
	min   time.Duration
	max   time.Duration
	draw  func(n int64) int64
	after func(time.Duration) <-chan time.Time
}

// NewUniform builds a pacer with bounds min and max. Bounds are swapped when
// given in the wrong order and negative values are clamped to zero.
func NewUniform(minDelay, maxDelay time.Duration) *Uniform {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < 0 {
		maxDelay = 0
	}
	if maxDelay < minDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	return &Uniform{
		min:   minDelay,
		max:   maxDelay,
		draw:  rand.Int64N,
		after: time.After,
	}
}

// Next returns the delay the next Wait will use.
func (u *Uniform) Next() time.Duration {
	span := int64(u.max - u.min)
	if span <= 0 {
		return u.min
	}
	return u.min + time.Duration(u.draw(span+1))
}

// Wait blocks the caller for one randomized delay or until ctx ends.
func (u *Uniform) Wait(ctx context.Context) error {
	d := u.Next()
	metrics.ObservePacerDelay(d)
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("pacer wait: %w", ctx.Err())
	case <-u.after(d):
		return nil
	}
}

// None never delays. Tests and one-shot runs use it.
type None struct{}

// Wait returns immediately unless ctx is already done.
func (None) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	return nil
}
