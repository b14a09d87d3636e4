package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRejected       = errors.New("order rejected")
	ErrNotFound       = errors.New("order not found")
	ErrTimeout        = errors.New("broker call timed out")
	ErrConnectionLost = errors.New("broker connection lost")
)

// Retryable reports whether a failed order submission may be retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrTimeout)
}

// Call runs fn under a deadline. A deadline hit is reported as ErrTimeout so
// callers handle it like any other adapter error.
func Call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
	}
	return err
}
