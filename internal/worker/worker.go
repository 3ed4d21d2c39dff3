// ============================================================================
// Beaver-Relay Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine of the pool. Takes tasks from taskCh and runs each
//           under RunWithTimeout.
//
// Execution model:
//   ┌──────────────────────────────────────┐
//   │  Worker goroutine                    │
//   │  for {                               │
//   │    select task <- taskCh | <-stopCh  │
//   │    RunWithTimeout(ctx, task)         │
//   │    result -> resultCh                │
//   │  }                                   │
//   └──────────────────────────────────────┘
//
// Timeout control:
//   Each task gets its own context derived from the pool context. A task that
//   ignores the cancellation for longer than its grace is abandoned: the worker
//   reports ErrAbandoned and moves on while the task goroutine leaks.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"
)

// Worker represents a work execution unit.
type Worker struct {
	id       int           // worker identifier, used for logging
	taskCh   <-chan Task   // tasks to execute
	resultCh chan<- Result // execution results
	stopCh   <-chan struct{}
	log      *slog.Logger
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, log *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		log:      log.With("worker", id),
	}
}

// Run is the main loop of the worker. It returns when the pool stops or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case task := <-w.taskCh:
			w.report(w.execute(ctx, task))
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) Result {
	start := time.Now()
	err := RunWithTimeout(ctx, task.Timeout, task.Grace, task.Run)
	if err != nil {
		w.log.Debug("Task failed", "task", task.ID, "error", err)
	}

	return Result{
		TaskID:   task.ID,
		Success:  err == nil,
		Error:    err,
		Duration: time.Since(start),
	}
}

func (w *Worker) report(result Result) {
	select {
	case w.resultCh <- result:
	default:
		// nobody collects results and the buffer is full
		w.log.Debug("Dropping task result", "task", result.TaskID)
	}
}
