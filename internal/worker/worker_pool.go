// ============================================================================
// Beaver-Relay Worker Pool - bounded task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Run tasks on a fixed number of goroutines.
//
// Design:
//   ┌─────────────┐
//   │   caller    │ --Submit(ctx, task)--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │    Pool     │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker n│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// A pool of size one with an unbuffered taskCh is a single execution slot:
// Submit blocks until the slot is free, so at most one task runs at a time and
// the caller feels the backpressure.
//
// Lifecycle:
//   1. NewPool()       - channels
//   2. Start(ctx, n)   - n workers; tasks inherit ctx
//   3. Submit(ctx, t)  - hand a task to a free worker (or the buffer)
//   4. ReceiveResult() - read outcomes; results are dropped when resultCh is full
//   5. Stop()          - close stopCh, wait for running tasks
//
// taskCh is never closed, so Submit racing with Stop cannot send on a closed
// channel: it either hands the task over or observes stopCh.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrPoolClosed means the pool was stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start was not called yet.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	log      *slog.Logger
}

// NewPool creates a pool whose task buffer holds bufferSize tasks.
// The result buffer holds bufferSize+1 results.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize+1),
		stopCh:   make(chan struct{}),
		log:      slog.Default(),
	}
}

// WithLogger replaces slog.Default(). It must be called before Start.
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	p.log = logger
	return p
}

// Start launches workerCount workers. Tasks run with contexts derived from ctx.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.stopCh, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit hands a task to the pool, blocking while every worker is busy and the
// buffer is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult waits for the next task result.
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop stops the workers and waits for the tasks they are running.
// Tasks still buffered are discarded.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// GetWorkerCount returns the number of workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start was called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
