// Package jobqueue implements the Job Queue: a priority heap of pending
// jobs, a single dispatcher goroutine, resource-class exclusivity,
// cooperative cancellation, and a bounded completed-history ring. It is
// the heart of the plugin host — the Manager's async execute exists
// only to be called by this package's dispatcher.
package jobqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Status is one of a Job's five lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one queued execution request against one plugin. All mutation
// happens on the dispatcher goroutine or the Cancel path, both under
// the owning Queue's mutex; everything outside this package only ever
// sees Snapshot() copies.
type Job struct {
	ID         string
	PluginName string
	Kwargs     map[string]any
	Priority   int
	Status     Status
	CreatedAt  time.Time
	StartedAt  time.Time
	CompletedAt time.Time
	Result     json.RawMessage
	Error      string

	heapIndex       int
	cancelRequested bool
	cancelFn        context.CancelFunc
	doneCh          chan struct{}
}

// Snapshot returns a value copy safe to hand to callers outside the
// queue's lock.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.heapIndex = 0
	cp.cancelFn = nil
	cp.doneCh = nil
	return cp
}

// Terminal reports whether the job has reached an immutable end state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// PendingView is the observability projection of a pending job,
// recomputed on every GetState call.
type PendingView struct {
	ID         string `json:"id"`
	PluginName string `json:"plugin_name"`
	Priority   int    `json:"priority"`
	Position   int    `json:"position"`
}

// RunningView is the observability projection of a running job.
type RunningView struct {
	ID         string    `json:"id"`
	PluginName string    `json:"plugin_name"`
	StartedAt  time.Time `json:"started_at"`
}

// Stats is the set of counters surfaced by GetState.
type Stats struct {
	TotalSubmitted int `json:"total_submitted"`
	TotalCompleted int `json:"total_completed"`
	TotalFailed    int `json:"total_failed"`
	TotalCancelled int `json:"total_cancelled"`
}

// State is the snapshot returned by GetState.
type State struct {
	Running []RunningView `json:"running"`
	Pending []PendingView `json:"pending"`
	Stats   Stats         `json:"stats"`
}
