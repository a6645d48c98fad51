package internal

import (
	"context"
	"time"
)

// Clock abstracts wall-clock time so the scheduler and job pacing can be
// driven by a virtual clock in tests.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until the context is cancelled, in which case the
	// context's error is returned.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// NewClock returns the system clock.
func NewClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
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
