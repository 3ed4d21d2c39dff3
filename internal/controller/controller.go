// ============================================================================
// Beaver-Relay Controller - coordinator node
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Compose the coordinator side of the relay and run it as one unit.
//
// Components:
//   - Registration Listener: records announcements in the registry and adds
//     their channels to the shared working set
//   - Channel Watchdog: expires channels whose lease lapsed and subscribes the
//     processing listener to the working set
//   - Processing Listener: dispatches response notifications to the handler
//     (by default the submitter's response handler)
//   - Submitter + Tracker: the collaborator API used by the gateway
//
// Core loops (one errgroup):
//   1. Registration loop - registry.Listener.Run
//   2. Processing loop   - dispatch.Listener.Run
//   3. Watchdog loop     - watchdog.Run, restarted with exponential backoff
//                          after a store error
//   4. Timeout loop      - declare submitted jobs dead once their deadline
//                          passed without a response, forget old ones
//
// Either listener returning ends the whole group, so Stop only has to stop
// the two listeners.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/dispatch"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/registry"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/submitter"
	"github.com/ChuLiYu/beaver-relay/internal/tracker"
	"github.com/ChuLiYu/beaver-relay/internal/watchdog"
)

// TimeoutScanInterval is how often tracked jobs are checked against their deadline.
const TimeoutScanInterval = time.Second

// ============================================================================
// Options
// ============================================================================

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock of every component.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger replaces slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.log = logger }
}

// WithMetrics instruments every component with collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = collector }
}

// WithHandler replaces the submitter's response handler as the dispatch handler.
func WithHandler(handler dispatch.Handler) Option {
	return func(c *Controller) { c.handler = handler }
}

// ============================================================================
// Controller
// ============================================================================

// Controller is one coordinator node.
type Controller struct {
	cfg     config.Config
	store   *store.Store
	clock   clockwork.Clock
	metrics *metrics.Collector
	log     *slog.Logger
	handler dispatch.Handler

	registry     *registry.Registry
	channels     *registry.ChannelSet
	regListener  *registry.Listener
	procListener *dispatch.Listener
	watchdog     *watchdog.Watchdog
	tracker      *tracker.Tracker
	submitter    *submitter.Submitter

	startTime time.Time
	done      chan struct{}
}

// Status summarizes a running coordinator.
type Status struct {
	Uptime       time.Duration  // since New
	LiveChannels []string       // live-channel set in the store
	Subscribed   []string       // channels the processing listener subscribed to
	Jobs         map[string]int // tracked jobs per status
}

// New wires the coordinator components on st.
func New(st *store.Store, cfg config.Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		store:   st,
		clock:   clockwork.NewRealClock(),
		log:     slog.Default(),
		tracker: tracker.New(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.registry = registry.New(st, cfg.Registry.Lease,
		registry.WithClock(c.clock), registry.WithLogger(c.log), registry.WithMetrics(c.metrics))
	c.channels = registry.NewChannelSet()
	c.regListener = registry.NewListener(c.registry, c.channels,
		registry.WithLogger(c.log), registry.WithMetrics(c.metrics))

	c.submitter = submitter.New(st, c.registry, submitter.Config{
		QueueTTL:     cfg.Queue.TTL,
		ResultTTL:    cfg.Queue.ResultTTL,
		JobTTL:       cfg.Dispatch.JobTTL,
		ClaimLockTTL: cfg.Worker.ClaimLockTTL,
	}, submitter.WithTracker(c.tracker), submitter.WithClock(c.clock),
		submitter.WithLogger(c.log), submitter.WithMetrics(c.metrics))

	if c.handler == nil {
		c.handler = c.submitter.ResponseHandler()
	}
	dispatcher := dispatch.NewDispatcher(st, c.registry, c.handler, cfg.Dispatch,
		dispatch.WithLogger(c.log), dispatch.WithMetrics(c.metrics))
	c.procListener = dispatch.NewListener(st, c.channels, dispatcher,
		dispatch.WithLogger(c.log), dispatch.WithMetrics(c.metrics))

	c.watchdog = watchdog.New(c.registry, c.channels, c.procListener, cfg.Registry.WatchdogInterval,
		watchdog.WithClock(c.clock), watchdog.WithLogger(c.log), watchdog.WithMetrics(c.metrics))

	c.log = c.log.With("component", "controller")
	c.startTime = c.clock.Now()
	return c
}

// Registry returns the service registry.
func (c *Controller) Registry() *registry.Registry { return c.registry }

// Submitter returns the job submitter.
func (c *Controller) Submitter() *submitter.Submitter { return c.submitter }

// Tracker returns the table of submitted jobs.
func (c *Controller) Tracker() *tracker.Tracker { return c.tracker }

// Run runs the coordinator until Stop is called, ctx ends or a listener fails.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return c.regListener.Run(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.procListener.Run(ctx)
	})
	g.Go(func() error { return c.superviseWatchdog(ctx) })
	g.Go(func() error { return c.timeoutLoop(ctx) })

	c.log.Info("Coordinator started",
		"lease", c.cfg.Registry.Lease,
		"watchdog_interval", c.cfg.Registry.WatchdogInterval)

	err := g.Wait()
	c.log.Info("Coordinator stopped", "uptime", c.clock.Since(c.startTime), "error", err)
	return err
}

// Stop stops both listeners and waits until Run returned.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.regListener.Stop(ctx); err != nil {
		return err
	}
	if err := c.procListener.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Status reports the live channels and the tracked jobs.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	live, err := c.registry.LiveChannels(ctx)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Uptime:       c.clock.Since(c.startTime),
		LiveChannels: live,
		Subscribed:   c.procListener.Channels(),
		Jobs:         c.tracker.Stats(),
	}, nil
}

// ============================================================================
// Loops
// ============================================================================

// superviseWatchdog restarts the watchdog after every store error. The backoff
// starts over when the watchdog had been running longer than the longest wait.
func (c *Controller) superviseWatchdog(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	run := func() error {
		start := c.clock.Now()
		err := c.watchdog.Run(ctx)
		if err != nil && c.clock.Since(start) > policy.MaxInterval {
			policy.Reset()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("Watchdog failed, restarting", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(run, backoff.WithContext(policy, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Controller) timeoutLoop(ctx context.Context) error {
	ticker := c.clock.NewTicker(TimeoutScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			c.expireJobs()
		}
	}
}

// expireJobs marks every pending job past its deadline dead and forgets
// finished jobs older than the job TTL.
func (c *Controller) expireJobs() {
	now := c.clock.Now()
	for _, jobID := range c.tracker.Expired(now) {
		if err := c.tracker.MarkDead(jobID, now); err != nil {
			if !errors.Is(err, tracker.ErrNotPending) {
				c.log.Error("Failed to mark job dead", "job_id", jobID, "error", err)
			}
			continue
		}
		entry, _ := c.tracker.Get(jobID)
		c.log.Warn("Job got no response before its deadline",
			"job_id", jobID, "service", entry.Service, "submitted_at", entry.SubmittedAt)
	}

	if n := c.tracker.Prune(now.Add(-c.cfg.Dispatch.JobTTL)); n > 0 {
		c.log.Debug("Forgot finished jobs", "count", n)
	}
}
