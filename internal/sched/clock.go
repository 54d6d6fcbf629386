// Package sched runs the transmit and receive workers and owns their
// lifecycle: start order, suspension, thread placement and shutdown.
package sched

import (
	"context"
	"time"
)

// Clock abstracts time so cadence can be tested without wall-clock sleeps.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until t (absolute) or ctx ends.
	SleepUntil(ctx context.Context, t time.Time) error
	// Sleep blocks for d (relative) or until ctx ends.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (c RealClock) SleepUntil(ctx context.Context, t time.Time) error {
	return c.Sleep(ctx, time.Until(t))
}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
