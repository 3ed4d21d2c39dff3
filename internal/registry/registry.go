// ============================================================================
// Beaver-Relay Service Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Function: Map service name -> registration record, and keep the set of live
//           channels with the epoch second each was last registered.
//
// Store layout (see store.Keys):
//   <p>:registry:<name>      registration record, expires with the lease
//   <p>:channels             live-channel set
//   <p>:channel:<channel>    last registration timestamp, no expiry
//
// Lifecycle:
//   A record is created or refreshed by Register and disappears on its own when
//   the lease lapses. There is no explicit delete. The channel side is not a
//   TTL: the watchdog compares each timestamp against now-lease and calls
//   ExpireChannel.
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

var (
	// ErrNotRegistered is returned for a service without a readable live record.
	ErrNotRegistered = errors.New("service not registered")
	// ErrReservedChannel is returned when a service announces a reserved channel.
	ErrReservedChannel = errors.New("reserved channel")
)

const scanBatch = 100

// Option configures a Registry or a Listener.
type Option func(*options)

type options struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
}

// WithClock replaces the wall clock used for channel timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger replaces slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records registrations on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.metrics = collector }
}

func newOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Registry reads and writes registration records.
type Registry struct {
	store *store.Store
	keys  store.Keys
	lease time.Duration
	clock clockwork.Clock
	log   *slog.Logger
}

// New creates a registry whose records live for lease after each registration.
func New(st *store.Store, lease time.Duration, opts ...Option) *Registry {
	o := newOptions(opts)
	return &Registry{
		store: st,
		keys:  st.Keys(),
		lease: lease,
		clock: o.clock,
		log:   o.logger,
	}
}

// Lease returns the registration lease.
func (r *Registry) Lease() time.Duration {
	return r.lease
}

// Register writes the record of reg with a fresh lease and marks its channel live.
// Registering again before expiry refreshes the lease and the timestamp.
func (r *Registry) Register(ctx context.Context, reg types.Registration) error {
	if types.IsReservedChannel(reg.Channel) {
		return fmt.Errorf("%w: %q", ErrReservedChannel, reg.Channel)
	}
	if reg.Capabilities == nil {
		reg.Capabilities = []string{}
	}

	record, err := reg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode registration of %q: %w", reg.Name, err)
	}
	now := r.clock.Now().Unix()

	_, err = r.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.Registration(reg.Name), record, r.lease)
		pipe.SAdd(ctx, r.keys.LiveChannels(), reg.Channel)
		pipe.Set(ctx, r.keys.ChannelTimestamp(reg.Channel), now, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register %q: %w", reg.Name, err)
	}
	return nil
}

// Get returns the live record of a service.
// A missing record, an empty name and an undecodable record all give ErrNotRegistered.
func (r *Registry) Get(ctx context.Context, name string) (*types.Registration, error) {
	if name == "" {
		return nil, ErrNotRegistered
	}

	data, err := r.store.Client().Get(ctx, r.keys.Registration(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registration of %q: %w", name, err)
	}

	reg, err := types.DecodeRegistration(data)
	if err != nil {
		r.log.Warn("Undecodable registration record", "service", name, "error", err)
		return nil, ErrNotRegistered
	}
	return reg, nil
}

// Names returns the names of every registered service, sorted.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	keys, err := r.scanRecords(ctx)
	if err != nil {
		return nil, err
	}

	prefix := r.keys.Registration("")
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, prefix))
	}
	sort.Strings(names)
	return names, nil
}

// List returns every decodable registration record, sorted by name.
// Records that expire during the call or fail to decode are skipped.
func (r *Registry) List(ctx context.Context) ([]types.Registration, error) {
	keys, err := r.scanRecords(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []types.Registration{}, nil
	}

	values, err := r.store.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read registrations: %w", err)
	}

	out := make([]types.Registration, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		reg, err := types.DecodeRegistration([]byte(s))
		if err != nil {
			r.log.Debug("Skipping undecodable registration record", "key", keys[i], "error", err)
			continue
		}
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) scanRecords(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.store.Client().Scan(ctx, 0, r.keys.RegistrationPattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan registrations: %w", err)
	}
	return keys, nil
}

// LiveChannels returns the live-channel set, sorted.
func (r *Registry) LiveChannels(ctx context.Context) ([]string, error) {
	channels, err := r.store.Client().SMembers(ctx, r.keys.LiveChannels()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read live channels: %w", err)
	}
	sort.Strings(channels)
	return channels, nil
}

// LiveChannelTimestamps returns each live channel with the epoch second of its
// last registration. Channels whose timestamp is missing or not an integer are left out.
func (r *Registry) LiveChannelTimestamps(ctx context.Context) (map[string]int64, error) {
	channels, err := r.LiveChannels(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(channels))
	if len(channels) == 0 {
		return out, nil
	}

	keys := make([]string, len(channels))
	for i, ch := range channels {
		keys[i] = r.keys.ChannelTimestamp(ch)
	}
	values, err := r.store.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read channel timestamps: %w", err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out[channels[i]] = ts
	}
	return out, nil
}

// ExpireChannel removes a channel from the live-channel set unless it was
// registered at or after the epoch second before. A registration racing the
// removal wins: the channel stays and false is returned.
func (r *Registry) ExpireChannel(ctx context.Context, channel string, before int64) (bool, error) {
	tsKey := r.keys.ChannelTimestamp(channel)
	expired := false

	err := r.store.Client().Watch(ctx, func(tx *redis.Tx) error {
		value, err := tx.Get(ctx, tsKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if ts, perr := strconv.ParseInt(value, 10, 64); err == nil && perr == nil && ts >= before {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, r.keys.LiveChannels(), channel)
			pipe.Del(ctx, tsKey)
			return nil
		})
		if err == nil {
			expired = true
		}
		return err
	}, tsKey)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		r.log.Debug("Channel re-registered while expiring", "channel", channel)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to expire channel %q: %w", channel, err)
	}
	return expired, nil
}
