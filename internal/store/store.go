// ============================================================================
// Beaver-Relay Coordination Store
// ============================================================================
//
// Package: internal/store
// File: store.go
// Function: The single shared source of truth of the relay. Every cross-process
//           interaction (registrations, queues, locks, pub/sub) goes through it.
//
// Backend:
//   Redis, through go-redis. Distributed locks use redislock (SET NX PX with a
//   random token, released by a compare-and-delete script).
//
// Ownership:
//   One *Store is built per process and injected into every component. It owns
//   the connection pool; components never open their own connections.
//
// ============================================================================

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-relay/internal/config"
)

// Store is the coordination store client.
type Store struct {
	client redis.UniversalClient
	locker *redislock.Client
	keys   Keys
}

// New wraps an existing client. All keys are namespaced under prefix.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{
		client: client,
		locker: redislock.New(client),
		keys:   Keys{Prefix: prefix},
	}
}

// Connect builds a client from cfg and waits until the store answers a PING.
// Connection attempts back off exponentially until cfg.ConnectTimeout elapses.
func Connect(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = cfg.ConnectTimeout

	ping := func() error {
		return client.Ping(ctx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to store at %s: %w", cfg.Addr, err)
	}

	return New(client, cfg.Prefix), nil
}

// Client exposes the underlying client for operations not wrapped here.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Keys returns the key layout of this store.
func (s *Store) Keys() Keys {
	return s.keys
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Publish sends a message and returns the number of subscribers that received it.
func (s *Store) Publish(ctx context.Context, channel string, message []byte) (int64, error) {
	n, err := s.client.Publish(ctx, channel, message).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish on %q: %w", channel, err)
	}
	return n, nil
}
