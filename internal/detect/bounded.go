package detect

import (
	"context"
	"time"
)

// Bounded runs op and waits at most d for it. On timeout the call is
// abandoned, not cancelled: op keeps running in its goroutine and whatever it
// eventually returns is thrown away.
func Bounded[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	// Buffered so an abandoned op can always deliver and exit.
	ch := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		ch <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		return zero, ErrDetectionTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
