package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

var (
	// ErrLockNotObtained is returned when a lock is held by someone else for the whole wait.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// minRetryInterval bounds how often a waiting Obtain polls the store.
const minRetryInterval = 10 * time.Millisecond

// Lock is a held distributed lock.
type Lock struct {
	lock *redislock.Lock
}

// Obtain acquires the lock at key for ttl.
// With wait == 0 it makes a single attempt. Otherwise it retries until wait elapses.
// Contention is reported as ErrLockNotObtained.
func (s *Store) Obtain(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	opts := &redislock.Options{RetryStrategy: redislock.NoRetry()}

	obtainCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		obtainCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()

		interval := wait / 20
		if interval < minRetryInterval {
			interval = minRetryInterval
		}
		opts.RetryStrategy = redislock.LinearBackoff(interval)
	}

	lock, err := s.locker.Obtain(obtainCtx, key, ttl, opts)
	switch {
	case err == nil:
		return &Lock{lock: lock}, nil
	case errors.Is(err, redislock.ErrNotObtained):
		return nil, ErrLockNotObtained
	case ctx.Err() == nil && obtainCtx.Err() != nil:
		// the wait ran out in the middle of an attempt
		return nil, ErrLockNotObtained
	default:
		return nil, fmt.Errorf("failed to obtain lock %q: %w", key, err)
	}
}

// Key returns the locked key.
func (l *Lock) Key() string {
	return l.lock.Key()
}

// Release gives up the lock. A lock that already expired is not an error.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("failed to release lock %q: %w", l.lock.Key(), err)
	}
	return nil
}

// Refresh extends the lock to ttl from now.
// It returns ErrLockNotObtained when the lock expired and was taken by someone else.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLockNotObtained
	}
	if err != nil {
		return fmt.Errorf("failed to refresh lock %q: %w", l.lock.Key(), err)
	}
	return nil
}
