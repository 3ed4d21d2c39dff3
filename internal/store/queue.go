package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

var (
	// ErrNotQueued is returned by Claim when no entry of the queue carries the job id.
	ErrNotQueued = errors.New("job not queued")
)

const (
	claimTombstonePrefix = "__claimed__:"
	claimAttempts        = 3
)

// Push appends data to a durable queue and refreshes the queue expiry, atomically.
func (s *Store) Push(ctx context.Context, queue string, data []byte, ttl time.Duration) error {
	var push *redis.IntCmd
	var expire *redis.BoolCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, queue, data)
		expire = pipe.Expire(ctx, queue, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push to %q: %w", queue, err)
	}
	if push.Val() == 0 || !expire.Val() {
		return fmt.Errorf("failed to push to %q: queue not updated", queue)
	}
	return nil
}

// PopLast removes the most recently pushed entry of a queue.
// It returns nil when the queue is empty.
func (s *Store) PopLast(ctx context.Context, queue string) ([]byte, error) {
	data, err := s.client.RPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %q: %w", queue, err)
	}
	return data, nil
}

// PopFirst waits up to timeout for the oldest entry of a queue.
// It returns nil when the timeout elapsed with the queue empty. A timeout of
// zero or less does not wait. The store counts blocking timeouts in whole
// seconds, so waits shorter than a second last a second.
func (s *Store) PopFirst(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		data, err := s.client.LPop(ctx, queue).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop from %q: %w", queue, err)
		}
		return data, nil
	}

	res, err := s.client.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %q: %w", queue, err)
	}
	return []byte(res[1]), nil
}

// Entries returns every entry of a queue, oldest first.
func (s *Store) Entries(ctx context.Context, queue string) ([][]byte, error) {
	values, err := s.client.LRange(ctx, queue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", queue, err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

// Len returns the number of entries of a queue.
func (s *Store) Len(ctx context.Context, queue string) (int64, error) {
	n, err := s.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read %q: %w", queue, err)
	}
	return n, nil
}

// Claim removes the entry carrying jobID from queue and returns it.
//
// The queue is a plain list, so the entry is found by a linear scan, O(queue length).
// The matching position is overwritten with a unique tombstone which is then
// removed by value. Entries identical to the claimed one stay in the queue:
// exactly one entry is removed per claim.
//
// The scan-and-remove runs under the queue's claim lock (held at most lockTTL)
// and inside a WATCH transaction, so a concurrent change of the list aborts and
// retries the claim instead of removing the wrong entry.
func (s *Store) Claim(ctx context.Context, queue, jobID string, lockTTL time.Duration) ([]byte, error) {
	lock, err := s.Obtain(ctx, s.keys.ClaimLock(queue), lockTTL, lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	tombstone := claimTombstonePrefix + uuid.Must(uuid.NewV4()).String()

	var claimed []byte
	claim := func(tx *redis.Tx) error {
		entries, err := tx.LRange(ctx, queue, 0, -1).Result()
		if err != nil {
			return err
		}

		index := -1
		for i, entry := range entries {
			if types.PeekJobID([]byte(entry)) == jobID {
				index = i
				break
			}
		}
		if index < 0 {
			return ErrNotQueued
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, queue, int64(index), tombstone)
			pipe.LRem(ctx, queue, 1, tombstone)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = []byte(entries[index])
		return nil
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		err = s.client.Watch(ctx, claim, queue)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil:
		return claimed, nil
	case errors.Is(err, ErrNotQueued):
		return nil, ErrNotQueued
	default:
		return nil, fmt.Errorf("failed to claim job %q from %q: %w", jobID, queue, err)
	}
}
