// ============================================================================
// Beaver-Relay Job Tracker - jobs submitted by this process
// ============================================================================
//
// Package: internal/tracker
// File: tracker.go
// Function: Remember every job this process submitted until its response
//           arrives or its deadline passes.
//
// State machine:
//   Pending
//      ├─ MarkCompleted() (response received) --> Completed
//      └─ deadline passed, MarkDead()        --> Dead
//
// Data layout:
//   jobs map[string]*Entry - single source of truth
//   pending/completed/dead - indexes pointing into jobs
//
// The tracker is local bookkeeping only. The coordination store stays the
// source of truth for queues and results; losing the tracker loses nothing but
// the Stats and the dead-job log lines.
//
// ============================================================================

package tracker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateJob = errors.New("job already tracked")
	ErrJobNotFound  = errors.New("job not tracked")
	ErrNotPending   = errors.New("job not pending")
)

// Status is the state of a tracked job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// Entry is one tracked job.
type Entry struct {
	JobID       string
	Service     string
	Status      Status
	SubmittedAt time.Time
	Deadline    time.Time
	UpdatedAt   time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*Entry
	pending   map[string]*Entry
	completed map[string]*Entry
	dead      map[string]*Entry
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		jobs:      make(map[string]*Entry),
		pending:   make(map[string]*Entry),
		completed: make(map[string]*Entry),
		dead:      make(map[string]*Entry),
	}
}

// Track records a submitted job as pending until deadline.
func (t *Tracker) Track(jobID, service string, submittedAt, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[jobID]; exists {
		return ErrDuplicateJob
	}

	entry := &Entry{
		JobID:       jobID,
		Service:     service,
		Status:      StatusPending,
		SubmittedAt: submittedAt,
		Deadline:    deadline,
		UpdatedAt:   submittedAt,
	}
	t.jobs[jobID] = entry
	t.pending[jobID] = entry
	return nil
}

// MarkCompleted moves a pending job to completed.
func (t *Tracker) MarkCompleted(jobID string, at time.Time) error {
	return t.transition(jobID, StatusCompleted, at)
}

// MarkDead moves a pending job to dead.
func (t *Tracker) MarkDead(jobID string, at time.Time) error {
	return t.transition(jobID, StatusDead, at)
}

func (t *Tracker) transition(jobID string, to Status, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if entry.Status != StatusPending {
		return ErrNotPending
	}

	entry.Status = to
	entry.UpdatedAt = at
	delete(t.pending, jobID)
	if to == StatusCompleted {
		t.completed[jobID] = entry
	} else {
		t.dead[jobID] = entry
	}
	return nil
}

// Expired returns the pending jobs whose deadline is before now, sorted.
func (t *Tracker) Expired(now time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var expired []string
	for jobID, entry := range t.pending {
		if entry.Deadline.Before(now) {
			expired = append(expired, jobID)
		}
	}
	sort.Strings(expired)
	return expired
}

// Pending returns the pending jobs of service, sorted. An empty service matches all.
func (t *Tracker) Pending(service string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for jobID, entry := range t.pending {
		if service == "" || entry.Service == service {
			out = append(out, jobID)
		}
	}
	sort.Strings(out)
	return out
}

// Get returns a copy of a tracked job.
func (t *Tracker) Get(jobID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.jobs[jobID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Prune forgets completed and dead jobs last updated before cutoff.
// It returns the number of forgotten jobs.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, index := range []map[string]*Entry{t.completed, t.dead} {
		for jobID, entry := range index {
			if entry.UpdatedAt.Before(cutoff) {
				delete(index, jobID)
				delete(t.jobs, jobID)
				n++
			}
		}
	}
	return n
}

// Stats counts jobs per status.
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return map[string]int{
		string(StatusPending):   len(t.pending),
		string(StatusCompleted): len(t.completed),
		string(StatusDead):      len(t.dead),
	}
}
