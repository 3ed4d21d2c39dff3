// ============================================================================
// Beaver-Relay Job Submitter
// ============================================================================
//
// Package: internal/submitter
// File: submitter.go
// Function: Send jobs to named services and collect what they send back.
//
// SendServiceRequest(service, data, jobID):
//   1. Look up the service registration.       not registered -> ErrServiceNotRegistered
//   2. Build a request envelope on <p>:queue:<service>.
//   3. RPUSH the full envelope + EXPIRE the queue, atomically.
//   4. PUBLISH the notification (no payload) on the service channel.
//   5. Zero receivers -> RPOP the entry back   -> ErrNoSubscribers
//
// The rollback pops the newest entry of the queue, which is not necessarily the
// one pushed in 3 when several submitters race on one queue. It only affects
// requests nobody was listening for.
//
// Responses:
//   The processing listener hands response notifications to ResponseHandler,
//   which claims the response envelope and stores a JobResult on
//   <p>:result:<service>:<job_id>. JobResponse pops that list.
//
// ============================================================================

package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ChuLiYu/beaver-relay/internal/dispatch"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/registry"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/tracker"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

var (
	ErrServiceNotRegistered = errors.New("service not registered")
	ErrNoSubscribers        = errors.New("no subscriber received the job")
	ErrNoResponse           = errors.New("no response received")
)

// Config controls queue and result lifetimes.
type Config struct {
	QueueTTL     time.Duration // expiry of a request queue, refreshed on every push
	ResultTTL    time.Duration // expiry of a delivered result
	JobTTL       time.Duration // how long a submitted job is tracked without a response
	ClaimLockTTL time.Duration // claim lock of a response queue
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithTracker records submitted jobs in t.
func WithTracker(t *tracker.Tracker) Option {
	return func(s *Submitter) { s.tracker = t }
}

// WithClock replaces the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Submitter) { s.clock = clock }
}

// WithLogger replaces slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) { s.log = logger }
}

// WithMetrics records submissions on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Submitter) { s.metrics = collector }
}

// Submitter is the client side of the relay.
type Submitter struct {
	store    *store.Store
	keys     store.Keys
	registry *registry.Registry
	cfg      Config
	tracker  *tracker.Tracker
	clock    clockwork.Clock
	metrics  *metrics.Collector
	log      *slog.Logger
}

// New creates a submitter.
func New(st *store.Store, reg *registry.Registry, cfg Config, opts ...Option) *Submitter {
	s := &Submitter{
		store:    st,
		keys:     st.Keys(),
		registry: reg,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "submitter")
	return s
}

// SendServiceRequest queues a request for service and announces it on the
// service channel. An empty jobID gets a fresh random id.
func (s *Submitter) SendServiceRequest(ctx context.Context, service string, data map[string]any, jobID string) (*types.Envelope, error) {
	reg, err := s.registry.Get(ctx, service)
	if errors.Is(err, registry.ErrNotRegistered) {
		s.log.Warn("Request for unregistered service", "service", service)
		return nil, fmt.Errorf("%w: %q", ErrServiceNotRegistered, service)
	}
	if err != nil {
		return nil, err
	}

	if jobID == "" {
		jobID = uuid.Must(uuid.NewV4()).String()
	}
	if data == nil {
		data = map[string]any{}
	}
	env := types.Envelope{
		JobID:    jobID,
		JobType:  types.JobTypeRequest,
		JobQueue: s.keys.RequestQueue(service),
		JobData:  data,
	}

	full, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %q: %w", jobID, err)
	}
	note, err := env.Notification().Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %q: %w", jobID, err)
	}

	if err := s.store.Push(ctx, env.JobQueue, full, s.cfg.QueueTTL); err != nil {
		s.log.Warn("Failed to queue job", "service", service, "job_id", jobID, "error", err)
		return nil, err
	}

	receivers, err := s.store.Publish(ctx, reg.Channel, note)
	if err != nil {
		s.log.Warn("Failed to announce job", "service", service, "job_id", jobID, "error", err)
		s.rollback(ctx, env)
		return nil, err
	}
	if receivers == 0 {
		s.log.Info("Nobody listens on the service channel, job withdrawn",
			"service", service, "channel", reg.Channel, "job_id", jobID)
		s.rollback(ctx, env)
		return nil, fmt.Errorf("%w: channel %q", ErrNoSubscribers, reg.Channel)
	}

	if s.tracker != nil {
		now := s.clock.Now()
		if err := s.tracker.Track(jobID, service, now, now.Add(s.cfg.JobTTL)); err != nil {
			s.log.Debug("Job already tracked", "job_id", jobID)
		}
	}
	s.metrics.RecordSubmitted()
	s.log.Debug("Job submitted", "service", service, "job_id", jobID, "receivers", receivers)
	return &env, nil
}

func (s *Submitter) rollback(ctx context.Context, env types.Envelope) {
	s.metrics.RecordRolledBack()
	if _, err := s.store.PopLast(context.WithoutCancel(ctx), env.JobQueue); err != nil {
		s.log.Warn("Failed to withdraw job", "job_id", env.JobID, "error", err)
	}
}

// RegisteredService returns the live registration of a service.
func (s *Submitter) RegisteredService(ctx context.Context, name string) (*types.Registration, error) {
	return s.registry.Get(ctx, name)
}

// RunningJobs returns the ids of the requests waiting in the queue of service, oldest first.
func (s *Submitter) RunningJobs(ctx context.Context, service string) ([]string, error) {
	entries, err := s.store.Entries(ctx, s.keys.RequestQueue(service))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if id := types.PeekJobID(entry); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// JobResponse waits up to timeout for the result of a job and consumes it.
// Each result is delivered once.
func (s *Submitter) JobResponse(ctx context.Context, service, jobID string, timeout time.Duration) (*types.JobResult, error) {
	data, err := s.store.PopFirst(ctx, s.keys.Result(service, jobID), timeout)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: job %q of %q", ErrNoResponse, jobID, service)
	}
	return types.DecodeJobResult(data)
}

// JobHandle is a submitted job whose result can be awaited.
type JobHandle struct {
	Service  string
	Envelope *types.Envelope

	submitter *Submitter
}

// JobID returns the id of the job.
func (h *JobHandle) JobID() string {
	return h.Envelope.JobID
}

// Wait waits up to timeout for the job result.
func (h *JobHandle) Wait(ctx context.Context, timeout time.Duration) (*types.JobResult, error) {
	return h.submitter.JobResponse(ctx, h.Service, h.Envelope.JobID, timeout)
}

// SendAndReturnJob submits a request and returns a handle to await its result.
func (s *Submitter) SendAndReturnJob(ctx context.Context, service string, data map[string]any) (*JobHandle, error) {
	env, err := s.SendServiceRequest(ctx, service, data, "")
	if err != nil {
		return nil, err
	}
	return &JobHandle{Service: service, Envelope: env, submitter: s}, nil
}

// SendAndGetResponse submits a request and waits up to timeout for its result.
func (s *Submitter) SendAndGetResponse(ctx context.Context, service string, data map[string]any, timeout time.Duration) (*types.JobResult, error) {
	handle, err := s.SendAndReturnJob(ctx, service, data)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx, timeout)
}

// ResponseHandler returns the handler a processing listener runs for response notifications.
func (s *Submitter) ResponseHandler() dispatch.Handler {
	return dispatch.HandlerFunc(s.HandleResponse)
}

// HandleResponse claims the response envelope announced by n and delivers it as
// the job result. A response already claimed by someone else is not an error.
func (s *Submitter) HandleResponse(ctx context.Context, n types.Notification, service *types.Registration) error {
	raw, err := s.store.Claim(ctx, n.JobQueue, n.JobID, s.cfg.ClaimLockTTL)
	if errors.Is(err, store.ErrNotQueued) {
		s.log.Debug("Response already claimed", "job_id", n.JobID)
		return nil
	}
	if err != nil {
		return err
	}

	env, err := types.DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("response of job %q: %w", n.JobID, err)
	}

	now := s.clock.Now()
	result := types.JobResult{
		JobID:      n.JobID,
		Service:    service.Name,
		Data:       env.JobData,
		ReceivedAt: now.UTC(),
	}
	data, err := result.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode result of job %q: %w", n.JobID, err)
	}
	if err := s.store.Push(ctx, s.keys.Result(service.Name, n.JobID), data, s.cfg.ResultTTL); err != nil {
		return err
	}

	if s.tracker != nil {
		if err := s.tracker.MarkCompleted(n.JobID, now); err != nil && !errors.Is(err, tracker.ErrJobNotFound) {
			s.log.Debug("Response for a job no longer pending", "job_id", n.JobID, "error", err)
		}
	}
	s.log.Debug("Response delivered", "service", service.Name, "job_id", n.JobID)
	return nil
}
