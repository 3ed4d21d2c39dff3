// ============================================================================
// Beaver-Relay Dispatcher - at most one handler per job
// ============================================================================
//
// Package: internal/dispatch
// File: dispatcher.go
// Function: Run the response handler for one notification, never twice at the
//           same time for the same job id across every listener instance.
//
// Dispatch(n):
//   1. Obtain <p>:lock:job:<id> (lock_ttl, waiting up to lock_wait).
//      Not obtained -> skip.
//   2. Under the lock, SET NX <p>:handler:<id> (handler_mutex_ttl).
//      Already set -> another handler runs: release, skip.
//   3. Release the lock.
//   4. Resolve the service from the queue suffix, fetch its registration.
//      Missing -> delete the handler mutex, abort.
//   5. Run the handler under worker.RunWithTimeout(handler_timeout, kill_grace).
//   6. Delete the handler mutex, whatever happened in 5.
//
// Two instances that both got past 1 in sequence are serialised by 2: the
// second sees the mutex of the first. A second instance that obtains the lock
// only after the first handler finished and deleted its mutex dispatches again;
// the handler must tolerate that (the response handler does, its claim finds
// nothing).
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-relay/internal/config"
	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/registry"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/internal/worker"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// ErrSkipped is returned by Dispatch when another instance handles the job.
var ErrSkipped = errors.New("job handled elsewhere")

const cleanupTimeout = 5 * time.Second

// Handler processes one response notification.
type Handler interface {
	Handle(ctx context.Context, n types.Notification, service *types.Registration) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, n types.Notification, service *types.Registration) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, n types.Notification, service *types.Registration) error {
	return f(ctx, n, service)
}

// Dispatcher runs the handler of notifications under the job lock and handler mutex.
type Dispatcher struct {
	store    *store.Store
	keys     store.Keys
	registry *registry.Registry
	handler  Handler
	cfg      config.DispatchConfig
	metrics  *metrics.Collector
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher running handler.
func NewDispatcher(st *store.Store, reg *registry.Registry, handler Handler, cfg config.DispatchConfig, opts ...Option) *Dispatcher {
	o := newOptions(opts)
	return &Dispatcher{
		store:    st,
		keys:     st.Keys(),
		registry: reg,
		handler:  handler,
		cfg:      cfg,
		metrics:  o.metrics,
		log:      o.logger.With("component", "dispatcher"),
	}
}

// Dispatch runs the handler for n unless another handler for the same job runs.
// It returns ErrSkipped in that case, and the handler's error otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, n types.Notification) error {
	log := d.log.With("job_id", n.JobID, "job_queue", n.JobQueue)

	acquired, err := d.acquire(ctx, n.JobID)
	if err != nil {
		d.metrics.RecordDispatch(metrics.ResultFailed)
		return err
	}
	if !acquired {
		log.Debug("Job is handled elsewhere")
		d.metrics.RecordDispatch(metrics.ResultSkipped)
		return ErrSkipped
	}
	defer d.releaseMutex(ctx, n.JobID, log)

	serviceName := store.ServiceFromQueue(n.JobQueue)
	service, err := d.registry.Get(ctx, serviceName)
	if err != nil {
		log.Warn("Originating service not registered, dropping job", "service", serviceName, "error", err)
		d.metrics.RecordDispatch(metrics.ResultFailed)
		return fmt.Errorf("service %q: %w", serviceName, err)
	}

	err = worker.RunWithTimeout(ctx, d.cfg.HandlerTimeout, d.cfg.KillGrace, func(ctx context.Context) error {
		return d.handler.Handle(ctx, n, service)
	})
	switch {
	case errors.Is(err, worker.ErrAbandoned):
		log.Error("Handler ignored cancellation and was abandoned, its goroutine leaks",
			"timeout", d.cfg.HandlerTimeout, "grace", d.cfg.KillGrace)
		d.metrics.RecordHandlerTimeout()
		d.metrics.RecordDispatch(metrics.ResultFailed)
	case errors.Is(err, worker.ErrTimeout):
		log.Warn("Handler timed out", "timeout", d.cfg.HandlerTimeout)
		d.metrics.RecordHandlerTimeout()
		d.metrics.RecordDispatch(metrics.ResultFailed)
	case err != nil:
		log.Warn("Handler failed", "error", err)
		d.metrics.RecordDispatch(metrics.ResultFailed)
	default:
		log.Debug("Job handled")
		d.metrics.RecordDispatch(metrics.ResultHandled)
	}
	return err
}

// acquire sets the handler mutex of jobID under the job lock.
func (d *Dispatcher) acquire(ctx context.Context, jobID string) (bool, error) {
	lock, err := d.store.Obtain(ctx, d.keys.JobLock(jobID), d.cfg.LockTTL, d.cfg.LockWait)
	if errors.Is(err, store.ErrLockNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			d.log.Warn("Failed to release job lock", "job_id", jobID, "error", err)
		}
	}()

	set, err := d.store.Client().SetNX(ctx, d.keys.HandlerMutex(jobID), time.Now().Unix(), d.cfg.HandlerMutexTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set handler mutex of %q: %w", jobID, err)
	}
	return set, nil
}

// releaseMutex deletes the handler mutex even when ctx is already cancelled.
func (d *Dispatcher) releaseMutex(ctx context.Context, jobID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := d.store.Client().Del(ctx, d.keys.HandlerMutex(jobID)).Err(); err != nil {
		log.Error("Failed to delete handler mutex", "error", err)
	}
}
