package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when a task ran past its timeout.
	ErrTimeout = errors.New("task timed out")
	// ErrAbandoned is returned when a task ignored cancellation for the whole grace
	// period. Its goroutine is still running and leaks until it returns on its own.
	ErrAbandoned = fmt.Errorf("%w and ignored cancellation", ErrTimeout)
)

// RunWithTimeout runs fn with a context cancelled after timeout (or when ctx ends).
//
// If fn returns in time its error is returned. After the timeout fn gets grace to
// observe the cancellation: returning within grace gives ErrTimeout, otherwise
// RunWithTimeout gives up waiting and returns ErrAbandoned. A goroutine cannot be
// killed from outside; work that must be stoppable at any point belongs in a
// separate process (see service.CommandHandler).
//
// A zero timeout disables the timeout; cancellation of ctx still applies.
func RunWithTimeout(ctx context.Context, timeout, grace time.Duration, fn func(ctx context.Context) error) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
		}
		return err
	case <-runCtx.Done():
	}

	// the parent ending is a cancellation, not a timeout
	expired := ctx.Err() == nil
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		switch {
		case expired:
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case err != nil:
			return err
		default:
			return ctx.Err()
		}
	case <-timer.C:
		return ErrAbandoned
	}
}
