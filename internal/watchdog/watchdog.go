// ============================================================================
// Beaver-Relay Channel Watchdog
// ============================================================================
//
// Package: internal/watchdog
// File: watchdog.go
// Function: Reconcile the in-memory channel working set and the processing
//           listener's subscriptions against the registry's live-channel set.
//
// One cycle:
//   1. Read every live channel with its registration timestamp.
//   2. Expire channels whose timestamp + lease is before now (missing or
//      unparsable timestamps count as expired): drop them from the working set
//      and from the live-channel set.
//   3. Re-read the live-channel set and union it into the working set.
//   4. Subscribe the processing listener to the whole working set.
//
// Run repeats the cycle every interval until the context ends. A store error
// ends Run; restarting is the caller's job (see controller).
//
// ============================================================================

package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/registry"
)

// Subscriber is the processing listener side of the watchdog.
// Subscribing to a channel already subscribed must be a no-op.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
}

// Watchdog expires stale channels and keeps subscriptions in line with the registry.
type Watchdog struct {
	registry   *registry.Registry
	channels   *registry.ChannelSet
	subscriber Subscriber
	interval   time.Duration
	clock      clockwork.Clock
	metrics    *metrics.Collector
	log        *slog.Logger
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock replaces the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(w *Watchdog) { w.clock = clock }
}

// WithLogger replaces slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watchdog) { w.log = logger }
}

// WithMetrics records expirations on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(w *Watchdog) { w.metrics = collector }
}

// New creates a watchdog. subscriber may be nil, then the subscribe step is skipped.
func New(reg *registry.Registry, channels *registry.ChannelSet, subscriber Subscriber, interval time.Duration, opts ...Option) *Watchdog {
	w := &Watchdog{
		registry:   reg,
		channels:   channels,
		subscriber: subscriber,
		interval:   interval,
		clock:      clockwork.NewRealClock(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "watchdog")
	return w
}

// Run cycles until ctx ends (returning nil) or a cycle fails (returning its error).
func (w *Watchdog) Run(ctx context.Context) error {
	w.log.Info("Watchdog started", "interval", w.interval, "lease", w.registry.Lease())
	for {
		if err := w.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("Watchdog cycle failed", "error", err)
			return err
		}

		select {
		case <-ctx.Done():
			w.log.Info("Watchdog stopped")
			return nil
		case <-w.clock.After(w.interval):
		}
	}
}

// Cycle runs one reconciliation.
func (w *Watchdog) Cycle(ctx context.Context) error {
	live, err := w.registry.LiveChannels(ctx)
	if err != nil {
		return err
	}
	timestamps, err := w.registry.LiveChannelTimestamps(ctx)
	if err != nil {
		return err
	}

	deadline := w.clock.Now().Add(-w.registry.Lease()).Unix()
	for _, ch := range live {
		ts, ok := timestamps[ch]
		if ok && ts >= deadline {
			continue
		}

		expired, err := w.registry.ExpireChannel(ctx, ch, deadline)
		if err != nil {
			return err
		}
		if !expired {
			continue
		}
		w.channels.Remove(ch)
		w.metrics.RecordChannelExpired()
		w.log.Info("Channel expired", "channel", ch, "registered_at", ts)
	}

	live, err = w.registry.LiveChannels(ctx)
	if err != nil {
		return err
	}
	w.channels.Add(live...)
	w.metrics.SetLiveChannels(len(live))

	if w.subscriber == nil || w.channels.Len() == 0 {
		return nil
	}
	return w.subscriber.Subscribe(ctx, w.channels.List()...)
}
