// Package storetest provides an in-memory coordination store for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-relay/internal/store"
)

// Prefix is the key namespace of test stores.
const Prefix = "test"

// New starts a miniredis server and returns a store connected to it.
// Both are closed when the test ends.
func New(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	st := store.New(client, Prefix)
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, srv
}

// Connect returns another store on the same server, as a second process would have.
func Connect(t *testing.T, srv *miniredis.Miniredis) *store.Store {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	st := store.New(client, Prefix)
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

// WaitSubscribed blocks until channel has at least n subscribers.
func WaitSubscribed(t *testing.T, st *store.Store, channel string, n int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		res, err := st.Client().PubSubNumSub(context.Background(), channel).Result()
		return err == nil && res[channel] >= n
	}, 5*time.Second, 10*time.Millisecond, "channel %q has no subscriber", channel)
}
