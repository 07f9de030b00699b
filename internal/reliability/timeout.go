package reliability

import (
	"context"
	"time"
)

// WithTimeout runs fn and returns its result, or a TimeoutError if fn has
// not returned within timeout. The context passed to fn is cancelled when
// WithTimeout returns, so fn can release its resources on every path.
// A timeout of zero or less disables the deadline.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if timeout <= 0 {
		return fn(ctx)
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		var zero T
		return zero, &TimeoutError{Timeout: timeout}
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
