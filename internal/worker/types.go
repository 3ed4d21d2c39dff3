package worker

import (
	"context"
	"time"
)

// Task is one unit of work for the pool.
type Task struct {
	ID      string                          // task identifier, echoed in the Result
	Run     func(ctx context.Context) error // the work; must honour ctx cancellation
	Timeout time.Duration                   // hard timeout, 0 means none
	Grace   time.Duration                   // how long Run may ignore cancellation before it is abandoned
}

// Result is the outcome of one task.
type Result struct {
	TaskID   string        // task identifier
	Success  bool          // Run returned nil in time
	Error    error         // Run's error, ErrTimeout or ErrAbandoned
	Duration time.Duration // wall time until the outcome was known
}
