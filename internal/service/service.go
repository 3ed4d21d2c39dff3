// ============================================================================
// Beaver-Relay Service-Side Listener
// ============================================================================
//
// Package: internal/service
// File: service.go
// Function: The worker side of the relay. Announce the offered services, claim
//           their requests and execute them one at a time.
//
// Loops (one errgroup, ended together):
//
//   registration  every register_interval, publish the announcement of every
//                 offered service on the registration channel
//   channel       every channel_interval, subscribe to the offered channels if
//                 fewer are subscribed than services offered
//   listener      pre-process every request notification; a claimed job goes to
//                 the processing queue <p>:processing:<worker> instead of being
//                 run inline, so a slow job never stalls message reception
//   queue         pop the processing queue and hand each job to a pool of one
//                 worker: one job runs at a time per process
//   results       log timeouts and abandoned jobs reported by the pool
//
// Stopping ends the loops; a job already running finishes (or times out)
// before Run returns.
//
// Pre-processing (PreProcess):
//   1. Decode the notification; only well-formed requests pass.
//   2. Claim the entry with this job id from the request queue (linear scan
//      under the claim lock, see store.Claim). Not found -> someone else took it.
//   3. The entry's job_data must be an object; job_id, job_channel and
//      job_queue are attached to it.
//
// Execution (Execute):
//   1. Obtain the global processing lock, waiting up to half its TTL.
//      Not obtained -> push the job back onto the processing queue unchanged.
//   2. Run the handler for the payload's job_type under the job timeout; unknown
//      kinds are dropped. The timeout does not cover the lock wait.
//   3. On success, queue a response envelope on <p>:responses:<service> and
//      announce it on the job's channel. Failures are only logged: requesters
//      learn about them by their wait timing out.
//
// ============================================================================

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/shutdown"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/worker"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

var (
	// ErrNotOffered is returned for a request to a service this worker does not offer.
	ErrNotOffered = errors.New("service not offered")
	// ErrNoServices is returned by New without offerings.
	ErrNoServices = errors.New("no services offered")

	errStopped = errors.New("stopped by shutdown message")
)

const popTimeout = time.Second

// Config controls the service-side listener.
type Config struct {
	Worker             string        // process name, keys the processing queue
	RegisterInterval   time.Duration // announcement period
	ChannelInterval    time.Duration // subscription check period
	ProcessingLockTTL  time.Duration // processing lock TTL; acquisition waits half of it
	ProcessingQueueTTL time.Duration // expiry of the processing queue, refreshed on push
	ClaimLockTTL       time.Duration // claim lock TTL of a request queue
	ResponseTTL        time.Duration // expiry of the response queue, refreshed on push
	JobTimeout         time.Duration // hard timeout of one job
	KillGrace          time.Duration // how long a job may ignore cancellation
}

// NewConfig takes the worker settings from the relay configuration.
func NewConfig(cfg config.Config) Config {
	return Config{
		Worker:             cfg.Worker.Name,
		RegisterInterval:   cfg.Worker.RegisterInterval,
		ChannelInterval:    cfg.Worker.ChannelInterval,
		ProcessingLockTTL:  cfg.Worker.ProcessingLockTTL,
		ProcessingQueueTTL: cfg.Worker.ProcessingQueueTTL,
		ClaimLockTTL:       cfg.Worker.ClaimLockTTL,
		ResponseTTL:        cfg.Queue.TTL,
		JobTimeout:         cfg.Worker.JobTimeout,
		KillGrace:          cfg.Dispatch.KillGrace,
	}
}

// Offerings builds the offered services of the configuration, each job kind
// handled by its configured command.
func Offerings(services []config.ServiceConfig) []Offering {
	out := make([]Offering, 0, len(services))
	for _, svc := range services {
		handlers := make(map[types.JobKind]Handler, len(svc.Commands))
		for kind, command := range svc.Commands {
			handlers[types.JobKind(kind)] = CommandHandler{Command: command}
		}
		out = append(out, Offering{
			Registration: types.Registration{
				Name:         svc.Name,
				Version:      svc.Version,
				Channel:      svc.Channel,
				Framework:    svc.Framework,
				Capabilities: svc.Capabilities,
			},
			Handlers: handlers,
		})
	}
	return out
}

// Offering is one service offered by the worker with a handler per job kind.
type Offering struct {
	Registration types.Registration
	Handlers     map[types.JobKind]Handler
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock driving the periodic loops.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger replaces slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.log = logger }
}

// WithMetrics records processed jobs on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Service) { s.metrics = collector }
}

// Service is the service-side listener of one worker process.
type Service struct {
	store     *store.Store
	keys      store.Keys
	cfg       Config
	offerings map[string]Offering // by service name
	token     shutdown.Token
	pool      *worker.Pool
	clock     clockwork.Clock
	metrics   *metrics.Collector
	log       *slog.Logger

	mu   sync.Mutex
	sub  *store.Subscription
	done chan struct{}
}

// New creates the listener for offerings.
func New(st *store.Store, cfg Config, offerings []Offering, opts ...Option) (*Service, error) {
	if len(offerings) == 0 {
		return nil, ErrNoServices
	}

	s := &Service{
		store:     st,
		keys:      st.Keys(),
		cfg:       cfg,
		offerings: make(map[string]Offering, len(offerings)),
		token:     shutdown.NewToken(),
		pool:      worker.NewPool(0),
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range offerings {
		if err := types.NewAnnouncement(o.Registration).Validate(); err != nil {
			return nil, fmt.Errorf("service %q: %w", o.Registration.Name, err)
		}
		if _, dup := s.offerings[o.Registration.Name]; dup {
			return nil, fmt.Errorf("service %q offered twice", o.Registration.Name)
		}
		s.offerings[o.Registration.Name] = o
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "service", "worker", cfg.Worker)
	s.pool.WithLogger(s.log)
	return s, nil
}

// Run starts the four loops and blocks until the own shutdown message arrives,
// ctx ends or a loop fails. It can be run once.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)

	sub, err := s.store.Subscribe(ctx, types.ShutdownChannel)
	if err != nil {
		return err
	}
	defer sub.Close()
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	// a running job outlives the loops and is bounded by its own timeout
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()
	if err := s.pool.Start(poolCtx, 1); err != nil {
		return err
	}
	defer s.pool.Stop()

	g.Go(func() error { return s.registrationLoop(ctx) })
	g.Go(func() error { return s.channelLoop(ctx, sub) })
	g.Go(func() error { return s.listenerLoop(ctx, sub) })
	g.Go(func() error { return s.queueLoop(ctx) })
	g.Go(func() error { return s.resultLoop(ctx) })

	s.log.Info("Service listener started", "services", len(s.offerings))
	err = g.Wait()
	if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
		s.log.Info("Service listener stopped")
		return nil
	}
	return err
}

// Stop broadcasts the listener's shutdown message and waits until Run returned.
func (s *Service) Stop(ctx context.Context) error {
	return shutdown.Broadcast(ctx, s.store, s.token, s.done)
}

// Done is closed when Run returned.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Channels returns the subscribed service channels.
func (s *Service) Channels() []string {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return nil
	}

	var out []string
	for _, ch := range sub.Channels() {
		if ch != types.ShutdownChannel {
			out = append(out, ch)
		}
	}
	return out
}

// Announce publishes the announcement of every offered service once.
func (s *Service) Announce(ctx context.Context) error {
	for _, o := range s.offerings {
		payload, err := types.Marshal(types.NewAnnouncement(o.Registration))
		if err != nil {
			return err
		}
		if _, err := s.store.Publish(ctx, types.RegistrationChannel, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) registrationLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.RegisterInterval)
	defer ticker.Stop()

	for {
		if err := s.Announce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("Failed to announce services", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (s *Service) channelLoop(ctx context.Context, sub *store.Subscription) error {
	ticker := s.clock.NewTicker(s.cfg.ChannelInterval)
	defer ticker.Stop()

	seen := make(map[string]struct{}, len(s.offerings))
	var channels []string
	for _, o := range s.offerings {
		if _, ok := seen[o.Registration.Channel]; !ok {
			seen[o.Registration.Channel] = struct{}{}
			channels = append(channels, o.Registration.Channel)
		}
	}

	for {
		// one subscription is the shutdown channel
		if sub.Count()-1 < len(channels) {
			if err := sub.Add(ctx, channels...); err != nil && ctx.Err() == nil {
				s.log.Warn("Failed to subscribe to service channels", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (s *Service) listenerLoop(ctx context.Context, sub *store.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("subscription closed")
			}

			if msg.Channel == types.ShutdownChannel {
				if s.token.Matches(msg.Payload) {
					return errStopped
				}
				continue
			}

			job, err := s.PreProcess(ctx, msg.Channel, []byte(msg.Payload))
			if err != nil {
				s.logRejected(msg.Channel, err)
				continue
			}

			raw, err := job.Encode()
			if err == nil {
				err = s.store.Push(ctx, s.keys.ProcessingQueue(s.cfg.Worker), raw, s.cfg.ProcessingQueueTTL)
			}
			if err != nil {
				s.log.Error("Claimed job lost, processing queue unavailable", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (s *Service) logRejected(channel string, err error) {
	switch {
	case errors.Is(err, types.ErrUnexpectedType):
		// responses travel on the same channels
	case errors.Is(err, store.ErrNotQueued):
		s.log.Debug("Job claimed elsewhere", "channel", channel)
	case errors.Is(err, types.ErrMalformed), errors.Is(err, ErrNotOffered):
		s.log.Warn("Dropping message", "channel", channel, "error", err)
	default:
		s.log.Error("Failed to claim job", "channel", channel, "error", err)
	}
}

func (s *Service) queueLoop(ctx context.Context) error {
	queue := s.keys.ProcessingQueue(s.cfg.Worker)
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := s.store.PopFirst(ctx, queue, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("Failed to read processing queue", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(popTimeout):
			}
			continue
		}
		if raw == nil {
			continue
		}

		// the job timeout starts inside Execute, once the processing lock is held
		task := worker.Task{
			ID:  types.PeekJobID(raw),
			Run: func(ctx context.Context) error { return s.Execute(ctx, raw) },
		}
		if err := s.pool.Submit(ctx, task); err != nil {
			// shutting down, keep the job for the next run
			if err := s.store.Push(context.WithoutCancel(ctx), queue, raw, s.cfg.ProcessingQueueTTL); err != nil {
				s.log.Error("Job lost on shutdown", "job_id", task.ID, "error", err)
			}
			return nil
		}
	}
}

func (s *Service) resultLoop(ctx context.Context) error {
	for {
		result, err := s.pool.ReceiveResult(ctx)
		if err != nil {
			return nil
		}
		switch {
		case errors.Is(result.Error, worker.ErrAbandoned):
			s.log.Error("Job ignored cancellation and was abandoned, its goroutine leaks",
				"job_id", result.TaskID, "timeout", s.cfg.JobTimeout)
		case errors.Is(result.Error, worker.ErrTimeout):
			s.log.Warn("Job timed out", "job_id", result.TaskID, "timeout", s.cfg.JobTimeout)
		case result.Error != nil:
			s.log.Error("Job execution failed", "job_id", result.TaskID, "error", result.Error)
		}
	}
}

// PreProcess claims the request announced by payload on channel.
// It returns the claimed job, or an error when the message is not a request,
// the service is not offered here or the entry was claimed elsewhere.
func (s *Service) PreProcess(ctx context.Context, channel string, payload []byte) (*types.Job, error) {
	n, err := types.DecodeNotification(payload, types.JobTypeRequest)
	if err != nil {
		return nil, err
	}

	name := store.ServiceFromQueue(n.JobQueue)
	if _, ok := s.offerings[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotOffered, name)
	}

	raw, err := s.store.Claim(ctx, n.JobQueue, n.JobID, s.cfg.ClaimLockTTL)
	if err != nil {
		return nil, err
	}

	env, err := types.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if env.JobData == nil {
		return nil, fmt.Errorf("%w: job %q has no job_data object", types.ErrMalformed, n.JobID)
	}

	return types.NewJob(n.JobID, channel, n.JobQueue, env.JobData), nil
}

// Execute runs one job from the processing queue under the global processing
// lock. Lock contention requeues the job byte for byte. Handler failures
// are logged, not returned; a job that ran past JobTimeout returns
// worker.ErrTimeout or worker.ErrAbandoned.
func (s *Service) Execute(ctx context.Context, raw []byte) error {
	job, err := types.DecodeJob(raw)
	if err != nil {
		s.log.Warn("Dropping undecodable job", "error", err)
		return nil
	}
	log := s.log.With("job_id", job.ID, "kind", job.Kind)

	name := store.ServiceFromQueue(job.Queue)
	offering, ok := s.offerings[name]
	if !ok {
		log.Warn("Dropping job of a service not offered", "service", name)
		return nil
	}

	lock, err := s.store.Obtain(ctx, s.keys.ProcessingLock(), s.cfg.ProcessingLockTTL, s.cfg.ProcessingLockTTL/2)
	if errors.Is(err, store.ErrLockNotObtained) || (err != nil && ctx.Err() != nil) {
		log.Debug("Processing lock busy, requeueing job", "error", err)
		s.metrics.RecordRequeued()
		return s.store.Push(context.WithoutCancel(ctx), s.keys.ProcessingQueue(s.cfg.Worker), raw, s.cfg.ProcessingQueueTTL)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to release processing lock", "error", err)
		}
	}()

	handler, ok := offering.Handlers[job.Kind]
	if !ok {
		log.Error("Unknown job type, dropping job")
		s.metrics.RecordProcessed(string(job.Kind), metrics.OutcomeUnknown, 0)
		return nil
	}

	stopRefresh := s.keepLock(ctx, lock, log)
	start := time.Now()
	var result map[string]any
	err = worker.RunWithTimeout(ctx, s.cfg.JobTimeout, s.cfg.KillGrace, func(ctx context.Context) error {
		data, err := handler.Handle(ctx, job)
		result = data
		return err
	})
	stopRefresh()
	elapsed := time.Since(start).Seconds()

	if errors.Is(err, worker.ErrTimeout) {
		s.metrics.RecordProcessed(string(job.Kind), metrics.OutcomeError, elapsed)
		return err
	}
	if err != nil {
		log.Error("Job failed", "error", err)
		s.metrics.RecordProcessed(string(job.Kind), metrics.OutcomeError, elapsed)
		return nil
	}
	s.metrics.RecordProcessed(string(job.Kind), metrics.OutcomeSuccess, elapsed)
	log.Info("Job done", "seconds", elapsed)

	if err := s.respond(ctx, job, result); err != nil {
		log.Error("Failed to send response", "error", err)
	}
	return nil
}

// keepLock refreshes lock every third of its TTL until the returned func is called.
func (s *Service) keepLock(ctx context.Context, lock *store.Lock, log *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := s.clock.NewTicker(s.cfg.ProcessingLockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := lock.Refresh(ctx, s.cfg.ProcessingLockTTL); err != nil && ctx.Err() == nil {
					log.Warn("Failed to refresh processing lock", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// respond queues the response envelope of job and announces it on the job's channel.
func (s *Service) respond(ctx context.Context, job *types.Job, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	env := types.Envelope{
		JobID:    job.ID,
		JobType:  types.JobTypeResponse,
		JobQueue: s.keys.ResponseQueue(store.ServiceFromQueue(job.Queue)),
		JobData:  data,
	}

	full, err := env.Encode()
	if err != nil {
		return err
	}
	note, err := env.Notification().Encode()
	if err != nil {
		return err
	}

	if err := s.store.Push(ctx, env.JobQueue, full, s.cfg.ResponseTTL); err != nil {
		return err
	}
	if _, err := s.store.Publish(ctx, job.Channel, note); err != nil {
		return err
	}
	return nil
}
