package lanes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultConcurrency applies to lanes that never had an explicit limit.
	DefaultConcurrency = 1
	// warnAfter is how long a task may sit queued before a diagnostic fires.
	warnAfter = 2 * time.Second
	// activePollInterval is how often WaitForActiveTasks re-checks counters.
	activePollInterval = 50 * time.Millisecond
)

// LaneClearedError is returned to enqueuers whose task was discarded by
// Clear or ResetAll before it started running.
type LaneClearedError struct {
	Lane string
}

func (e *LaneClearedError) Error() string {
	return fmt.Sprintf("lane %q cleared before task started", e.Lane)
}

type task struct {
	id         uint64
	run        func(ctx context.Context) error
	result     chan error
	ctx        context.Context
	generation uint64
	enqueuedAt time.Time
	warned     bool
}

type lane struct {
	name          string
	maxConcurrent int
	active        int
	pending       []*task
	draining      bool
}

// Queue serializes work into named lanes, each with its own concurrency
// ceiling. Tasks within a lane start in FIFO order.
type Queue struct {
	mu         sync.Mutex
	lanes      map[string]*lane
	generation uint64
	nextTaskID uint64
	activeIDs  map[uint64]struct{}
	logger     *slog.Logger
}

// NewQueue creates an empty lane queue.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		lanes:     make(map[string]*lane),
		activeIDs: make(map[uint64]struct{}),
		logger:    logger,
	}
}

func (q *Queue) laneLocked(name string) *lane {
	ln, ok := q.lanes[name]
	if !ok {
		ln = &lane{name: name, maxConcurrent: DefaultConcurrency}
		q.lanes[name] = ln
	}
	return ln
}

// SetConcurrency adjusts a lane's ceiling. Values below 1 clamp to 1.
// Raising the ceiling immediately starts eligible pending tasks.
func (q *Queue) SetConcurrency(name string, max int) {
	if max < 1 {
		max = 1
	}
	q.mu.Lock()
	ln := q.laneLocked(name)
	ln.maxConcurrent = max
	q.drainLocked(ln)
	q.mu.Unlock()
}

// EnqueueOptions tune the queue-wait diagnostics of one submission.
type EnqueueOptions struct {
	// WarnAfter overrides how long the task may sit queued before the
	// wait is reported. Zero keeps the default.
	WarnAfter time.Duration
	// OnWait, when set, receives the queued duration and the number of
	// tasks ahead instead of the default log warning.
	OnWait func(waited time.Duration, queuedAhead int)
}

// Enqueue submits fn to a lane and blocks until it has run, returning
// fn's error. If the lane is cleared first, a LaneClearedError comes back
// and fn never runs. Context cancellation while queued also abandons the
// task without running it.
func (q *Queue) Enqueue(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return q.EnqueueWith(ctx, name, fn, EnqueueOptions{})
}

// EnqueueWith is Enqueue with per-call wait diagnostics.
func (q *Queue) EnqueueWith(ctx context.Context, name string, fn func(ctx context.Context) error, opts EnqueueOptions) error {
	t := &task{
		run:        fn,
		result:     make(chan error, 1),
		ctx:        ctx,
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	q.nextTaskID++
	t.id = q.nextTaskID
	ln := q.laneLocked(name)
	ln.pending = append(ln.pending, t)
	q.drainLocked(ln)
	q.mu.Unlock()

	warnAt := warnAfter
	if opts.WarnAfter > 0 {
		warnAt = opts.WarnAfter
	}
	timer := time.NewTimer(warnAt)
	defer timer.Stop()

	for {
		select {
		case err := <-t.result:
			return err
		case <-timer.C:
			q.reportQueued(name, t, opts.OnWait)
		case <-ctx.Done():
			q.abandon(name, t)
			return ctx.Err()
		}
	}
}

func (q *Queue) reportQueued(name string, t *task, onWait func(time.Duration, int)) {
	ahead, waiting := q.queuedPosition(name, t)
	if !waiting || t.warned {
		return
	}
	t.warned = true
	waited := time.Since(t.enqueuedAt)
	if onWait != nil {
		onWait(waited, ahead)
		return
	}
	if isProbeLane(name) {
		return
	}
	q.logger.Warn("task waiting in lane",
		"lane", name,
		"waitedMs", waited.Milliseconds(),
		"queuedAhead", ahead)
}

// queuedPosition reports how many tasks sit ahead of t in its lane, and
// whether t is still pending at all.
func (q *Queue) queuedPosition(name string, t *task) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[name]; ok {
		for i, p := range ln.pending {
			if p == t {
				return i, true
			}
		}
	}
	return 0, false
}

// abandon removes a still-pending task after its context was cancelled.
func (q *Queue) abandon(name string, t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln, ok := q.lanes[name]
	if !ok {
		return
	}
	for i, p := range ln.pending {
		if p == t {
			ln.pending = append(ln.pending[:i], ln.pending[i+1:]...)
			return
		}
	}
}

// drainLocked starts pending tasks while capacity allows. The reentrancy
// guard matters because task completion calls back into drain.
func (q *Queue) drainLocked(ln *lane) {
	if ln.draining {
		return
	}
	ln.draining = true
	defer func() { ln.draining = false }()

	for ln.active < ln.maxConcurrent && len(ln.pending) > 0 {
		t := ln.pending[0]
		ln.pending = ln.pending[1:]
		ln.active++
		// Stamped at start so completions booked under an older epoch can
		// be told apart after ResetAll.
		t.generation = q.generation
		q.activeIDs[t.id] = struct{}{}
		go q.runTask(ln.name, t)
	}
}

func (q *Queue) runTask(name string, t *task) {
	err := t.run(t.ctx)

	q.mu.Lock()
	delete(q.activeIDs, t.id)
	// A reset may have replaced the counters this task was booked under.
	if t.generation == q.generation {
		if ln, ok := q.lanes[name]; ok {
			ln.active--
			q.drainLocked(ln)
		}
	}
	q.mu.Unlock()

	t.result <- err
}

// Clear discards all pending tasks in a lane, failing their enqueuers
// with LaneClearedError. Running tasks are unaffected. Returns the number
// of discarded tasks.
func (q *Queue) Clear(name string) int {
	q.mu.Lock()
	ln, ok := q.lanes[name]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	dropped := ln.pending
	ln.pending = nil
	q.mu.Unlock()

	for _, t := range dropped {
		t.result <- &LaneClearedError{Lane: name}
	}
	if len(dropped) > 0 && !isProbeLane(name) {
		q.logger.Info("lane cleared", "lane", name, "dropped", len(dropped))
	}
	return len(dropped)
}

// ResetAll zeroes every lane's active counter and bumps the generation so
// completions of tasks already running no longer touch the fresh
// counters. Pending tasks are kept and drained promptly under the new
// epoch.
func (q *Queue) ResetAll() {
	q.mu.Lock()
	q.generation++
	preserved := 0
	for _, ln := range q.lanes {
		ln.active = 0
		preserved += len(ln.pending)
	}
	for _, ln := range q.lanes {
		if len(ln.pending) > 0 {
			q.drainLocked(ln)
		}
	}
	q.mu.Unlock()

	q.logger.Info("all lanes reset", "pendingResumed", preserved)
}

// QueueSize returns the number of pending (not yet started) tasks in a lane.
func (q *Queue) QueueSize(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[name]; ok {
		return len(ln.pending)
	}
	return 0
}

// TotalQueueSize returns the pending task count across every lane.
func (q *Queue) TotalQueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, ln := range q.lanes {
		total += len(ln.pending)
	}
	return total
}

// ActiveTaskCount returns the number of running tasks in a lane.
func (q *Queue) ActiveTaskCount(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[name]; ok {
		return ln.active
	}
	return 0
}

// TotalActiveCount returns the running task count across every lane.
func (q *Queue) TotalActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, ln := range q.lanes {
		total += ln.active
	}
	return total
}

// WaitForActiveTasks polls until the tasks that were running when the
// call started have finished, the timeout elapses, or ctx is cancelled.
// Tasks started after the snapshot are not waited on.
func (q *Queue) WaitForActiveTasks(ctx context.Context, timeout time.Duration) error {
	q.mu.Lock()
	snapshot := make([]uint64, 0, len(q.activeIDs))
	for id := range q.activeIDs {
		snapshot = append(snapshot, id)
	}
	q.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(activePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			remaining := q.remainingActive(snapshot)
			if remaining == 0 {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for %d active tasks", remaining)
			}
		}
	}
}

// remainingActive counts how many of the snapshotted task ids are still
// running.
func (q *Queue) remainingActive(ids []uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := q.activeIDs[id]; ok {
			n++
		}
	}
	return n
}

// isProbeLane reports whether a lane carries short-lived health probes
// whose queue churn would only add log noise.
func isProbeLane(name string) bool {
	return strings.HasPrefix(name, "auth-probe:") || strings.HasPrefix(name, "session:probe-")
}
