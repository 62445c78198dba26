// Package pace provides the randomized delays that keep automation
// traffic looking human and the context-aware waits used when the
// hourly budget runs out.
package pace

import (
	"context"
	"math/rand"
	"time"
)

// DelayPolicy produces the pause applied between consecutive actions
// or page fetches.
type DelayPolicy interface {
	// Wait blocks for one policy-defined delay or until ctx is done.
	// It returns ctx.Err() when canceled mid-wait.
	Wait(ctx context.Context) error
}

// RandomDelay waits a uniformly random duration in [Min, Max].
type RandomDelay struct {
	Min time.Duration
	Max time.Duration
}

// Wait blocks for a random duration within the policy bounds.
func (d RandomDelay) Wait(ctx context.Context) error {
	span := d.Max - d.Min
	delay := d.Min
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	return Sleep(ctx, delay)
}

// NoDelay waits for nothing. Used by tests and retry paths that pace
// themselves elsewhere.
type NoDelay struct{}

// Wait returns immediately.
func (NoDelay) Wait(ctx context.Context) error {
	return ctx.Err()
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepUntil blocks until t (per clock now) or until ctx is done.
func SleepUntil(ctx context.Context, now func() time.Time, t time.Time) error {
	return Sleep(ctx, t.Sub(now()))
}
