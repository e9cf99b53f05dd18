package scheduler

import (
	"context"
	"time"
)

// DefaultRefreshRate approximates a display refresh callback.
const DefaultRefreshRate = 60

// FrameClock delivers refresh callbacks. Next blocks until the next one.
type FrameClock interface {
	Next(ctx context.Context) (time.Time, error)
}

// RefreshClock is a FrameClock backed by a ticker. A slow tick makes the
// ticker drop refreshes rather than queue them.
type RefreshClock struct {
	t *time.Ticker
}

func NewRefreshClock(hz int) *RefreshClock {
	if hz <= 0 {
		hz = DefaultRefreshRate
	}
	return &RefreshClock{t: time.NewTicker(time.Second / time.Duration(hz))}
}

func (c *RefreshClock) Next(ctx context.Context) (time.Time, error) {
	select {
	case t := <-c.t.C:
		return t, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

func (c *RefreshClock) Stop() { c.t.Stop() }
