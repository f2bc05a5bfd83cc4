package subagents

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/KyouP/llm-ron-bot/internal/bus"
	"github.com/KyouP/llm-ron-bot/internal/routing"
)

const (
	sweepInterval     = 60 * time.Second
	resumeWaitTimeout = 30 * time.Second
	listenerID        = "subagent-registry"
)

// RegisterParams describes a newly spawned child run.
type RegisterParams struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     *routing.DeliveryContext
	RequesterDisplayKey string
	Task                string
	Label               string
	Cleanup             string
	ArchiveAfter        time.Duration
	WaitTimeout         time.Duration
}

// Registry is the authoritative map of in-flight child runs. It listens
// for lifecycle events, runs a gateway wait watcher per run, persists
// every mutation, archives expired child sessions, and restores state
// after a restart.
type Registry struct {
	mu      sync.Mutex
	runs    map[string]*Record
	resumed map[string]struct{}
	inited  bool
	closed  bool

	path      string
	gw        Gateway
	events    bus.AgentEventBus
	announcer *Announcer
	logger    *slog.Logger

	listenOnce     sync.Once
	sweeperRunning bool
	sweeperStop    chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry builds a registry persisting under stateDir.
func NewRegistry(stateDir string, gw Gateway, events bus.AgentEventBus, announcer *Announcer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		runs:        make(map[string]*Record),
		resumed:     make(map[string]struct{}),
		path:        filepath.Join(stateDir, "subagents", "runs.json"),
		gw:          gw,
		events:      events,
		announcer:   announcer,
		logger:      logger,
		sweeperStop: make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// track claims a slot for a background worker. It fails once Close has
// begun so Close never races a late Add against its Wait.
func (r *Registry) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

// Init restores persisted runs once. Records already in memory win over
// restored copies. Restored runs are resumed: ended ones get an announce
// attempt, unfinished ones get a fresh wait watcher.
func (r *Registry) Init() {
	r.mu.Lock()
	if r.inited {
		r.mu.Unlock()
		return
	}
	r.inited = true
	r.mu.Unlock()

	restored, migrated, err := loadRegistry(r.path)
	if err != nil {
		r.logger.Warn("subagent registry load failed", "path", r.path, "error", err)
	}
	if len(restored) == 0 {
		return
	}

	r.mu.Lock()
	for id, rec := range restored {
		if _, exists := r.runs[id]; !exists {
			r.runs[id] = rec
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if migrated {
		if err := r.persist(); err != nil {
			r.logger.Error("post-migration save failed", "error", err)
		}
	}

	r.ensureListener()
	for _, rec := range snapshot {
		if rec.ArchiveAtMs > 0 {
			r.ensureSweeper()
			break
		}
	}

	for _, rec := range snapshot {
		r.resume(rec)
	}
}

func (r *Registry) resume(rec *Record) {
	r.mu.Lock()
	if _, done := r.resumed[rec.RunID]; done {
		r.mu.Unlock()
		return
	}
	r.resumed[rec.RunID] = struct{}{}
	r.mu.Unlock()

	if rec.CleanupCompletedAt > 0 {
		return
	}
	if rec.EndedAt > 0 {
		if r.beginCleanup(rec.RunID) && r.track() {
			go func() {
				defer r.wg.Done()
				r.announceAndFinalize(rec.RunID, AnnounceOptions{
					Timeout:           resumeWaitTimeout,
					WaitForCompletion: false,
				})
			}()
		}
		return
	}
	if r.track() {
		go func() {
			defer r.wg.Done()
			r.watch(rec.RunID, resumeWaitTimeout)
		}()
	}
}

// Register adds a freshly spawned run and starts watching it.
func (r *Registry) Register(p RegisterParams) {
	now := time.Now().UnixMilli()
	rec := &Record{
		RunID:               p.RunID,
		ChildSessionKey:     p.ChildSessionKey,
		RequesterSessionKey: p.RequesterSessionKey,
		RequesterOrigin:     p.RequesterOrigin,
		RequesterDisplayKey: p.RequesterDisplayKey,
		Task:                p.Task,
		Label:               p.Label,
		Cleanup:             p.Cleanup,
		CreatedAt:           now,
	}
	if rec.Cleanup == "" {
		rec.Cleanup = CleanupKeep
	}
	if p.ArchiveAfter > 0 {
		rec.ArchiveAtMs = now + p.ArchiveAfter.Milliseconds()
	}

	r.mu.Lock()
	r.runs[p.RunID] = rec
	r.mu.Unlock()
	r.persistLogged()

	r.ensureListener()
	if rec.ArchiveAtMs > 0 {
		r.ensureSweeper()
	}

	waitTimeout := p.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = resumeWaitTimeout
	}
	if r.track() {
		go func() {
			defer r.wg.Done()
			r.watch(p.RunID, waitTimeout)
		}()
	}
}

// Release drops a run from memory and disk.
func (r *Registry) Release(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
	r.persistLogged()
}

// Get returns a copy of one record.
func (r *Registry) Get(runID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return Record{}, false
	}
	return *rec.clone(), true
}

// ListForRequester returns copies of the runs a conversation spawned.
func (r *Registry) ListForRequester(requesterSessionKey string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.runs {
		if rec.RequesterSessionKey == requesterSessionKey {
			out = append(out, *rec.clone())
		}
	}
	return out
}

func (r *Registry) ensureListener() {
	r.listenOnce.Do(func() {
		if r.events != nil {
			r.events.SubscribeAgent(listenerID, r.handleAgentEvent)
		}
	})
}

func (r *Registry) handleAgentEvent(ev bus.AgentEvent) {
	if ev.Type != "lifecycle" || ev.RunID == "" {
		return
	}
	r.mu.Lock()
	rec, ok := r.runs[ev.RunID]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch ev.Phase {
	case "start":
		if rec.StartedAt == 0 {
			rec.StartedAt = time.Now().UnixMilli()
		}
		r.mu.Unlock()
		r.persistLogged()
		return
	case "end":
		r.markEndedLocked(rec, ev.EndedAt, &Outcome{Status: StatusOK})
	case "error":
		// The event carries the precise terminal status; a timed-out run
		// is not an error outcome.
		outcome := &Outcome{Status: StatusError, Error: ev.Error}
		if ev.Status == StatusTimeout {
			outcome = &Outcome{Status: StatusTimeout}
		}
		r.markEndedLocked(rec, ev.EndedAt, outcome)
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.persistLogged()

	if r.beginCleanup(ev.RunID) && r.track() {
		go func() {
			defer r.wg.Done()
			r.announceAndFinalize(ev.RunID, AnnounceOptions{WaitForCompletion: false, Timeout: resumeWaitTimeout})
		}()
	}
}

func (r *Registry) markEndedLocked(rec *Record, endedAt int64, outcome *Outcome) {
	if endedAt <= 0 {
		endedAt = time.Now().UnixMilli()
	}
	if rec.EndedAt == 0 {
		rec.EndedAt = endedAt
	}
	rec.Outcome = outcome
}

// watch covers the case where the lifecycle bus misses the end of a run,
// for example after a restart. It mirrors the lifecycle end handling and
// races it safely through the cleanup token. A wait failure the gateway
// cannot recover from (say a restarted process that no longer knows the
// run) ends the record with an unknown outcome instead of stranding it.
func (r *Registry) watch(runID string, timeout time.Duration) {
	var wr WaitResult
	for {
		var err error
		wr, err = r.gw.AgentWait(r.ctx, runID, timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Warn("run watcher wait failed", "runId", runID, "error", err)
			r.settleWatched(runID, &Outcome{Status: StatusUnknown}, 0, 0, timeout)
			return
		}
		if wr.Status == StatusTimeout && wr.EndedAt == 0 {
			// The wait window expired with the run still going; arm
			// another so the record cannot get stuck without a watcher.
			continue
		}
		break
	}

	outcome := &Outcome{Status: wr.Status, Error: wr.Error}
	r.settleWatched(runID, outcome, wr.StartedAt, wr.EndedAt, timeout)
}

// settleWatched records a watcher-observed outcome and drives the
// announce path through the cleanup token.
func (r *Registry) settleWatched(runID string, outcome *Outcome, startedAt, endedAt int64, timeout time.Duration) {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if rec.StartedAt == 0 && startedAt > 0 {
		rec.StartedAt = startedAt
	}
	// A lifecycle event may have landed a more precise outcome already.
	if rec.Outcome != nil {
		outcome = rec.Outcome
	}
	r.markEndedLocked(rec, endedAt, outcome)
	r.mu.Unlock()
	r.persistLogged()

	if r.beginCleanup(runID) {
		r.announceAndFinalize(runID, AnnounceOptions{WaitForCompletion: false, Timeout: timeout})
	}
}

// AnnounceWhenDone is the primary announce trigger used by the spawn
// tool: it waits out the run and then attempts the announcement. The
// lifecycle listener and the watcher cover the cases where this caller
// died with the process.
func (r *Registry) AnnounceWhenDone(runID string, timeout time.Duration) {
	if !r.track() {
		return
	}
	defer r.wg.Done()
	if _, err := r.gw.AgentWait(r.ctx, runID, timeout); err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("announce wait failed", "runId", runID, "error", err)
		}
		return
	}
	if r.beginCleanup(runID) {
		r.announceAndFinalize(runID, AnnounceOptions{WaitForCompletion: true, Timeout: timeout})
	}
}

// beginCleanup claims the announce token. Exactly one caller per attempt
// sees true; a completed cleanup never hands the token out again.
func (r *Registry) beginCleanup(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return false
	}
	if rec.CleanupCompletedAt > 0 || rec.CleanupHandled {
		return false
	}
	rec.CleanupHandled = true
	return true
}

// finalizeCleanup settles the token after an announce attempt. A deferred
// attempt releases the token and keeps everything for retry. Delete
// cleanup drops the record entirely; a failed announce releases the token
// for retry; success stamps CleanupCompletedAt.
func (r *Registry) finalizeCleanup(runID, cleanup string, didAnnounce, deferred bool) {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	switch {
	case deferred:
		rec.CleanupHandled = false
	case cleanup == CleanupDelete && didAnnounce:
		delete(r.runs, runID)
	case !didAnnounce:
		rec.CleanupHandled = false
	default:
		rec.CleanupCompletedAt = time.Now().UnixMilli()
	}
	r.mu.Unlock()
	r.persistLogged()
}

func (r *Registry) announceAndFinalize(runID string, opts AnnounceOptions) {
	rec, ok := r.Get(runID)
	if !ok {
		return
	}
	didAnnounce, deferred := false, false
	if r.announcer != nil {
		didAnnounce, deferred = r.announcer.Announce(r.ctx, &rec, opts)
	}

	// Adopt any timing the announcer learned from the gateway.
	r.mu.Lock()
	if live, present := r.runs[runID]; present {
		if live.StartedAt == 0 && rec.StartedAt > 0 {
			live.StartedAt = rec.StartedAt
		}
		if live.EndedAt == 0 && rec.EndedAt > 0 {
			live.EndedAt = rec.EndedAt
		}
		if live.Outcome == nil && rec.Outcome != nil {
			o := *rec.Outcome
			live.Outcome = &o
		}
	}
	r.mu.Unlock()

	r.finalizeCleanup(runID, rec.Cleanup, didAnnounce, deferred)
}

func (r *Registry) ensureSweeper() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweeperRunning || r.closed {
		return
	}
	r.sweeperRunning = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweepLoop()
	}()
}

// sweepLoop archives child sessions whose deadline has passed. It exits
// once the registry is empty; the next Register with an archive deadline
// starts a fresh one.
func (r *Registry) sweepLoop() {
	defer func() {
		r.mu.Lock()
		r.sweeperRunning = false
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sweeperStop:
			return
		case <-ticker.C:
			if r.sweepOnce() {
				return
			}
		}
	}
}

// sweepOnce archives expired records, returning true when no records
// remain at all.
func (r *Registry) sweepOnce() bool {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	var expired []*Record
	for id, rec := range r.runs {
		if rec.ArchiveAtMs > 0 && rec.ArchiveAtMs <= now {
			expired = append(expired, rec.clone())
			delete(r.runs, id)
		}
	}
	empty := len(r.runs) == 0
	r.mu.Unlock()

	if len(expired) > 0 {
		r.persistLogged()
	}
	for _, rec := range expired {
		if err := r.gw.SessionsDelete(r.ctx, rec.ChildSessionKey, true); err != nil {
			r.logger.Warn("archive delete failed",
				"childSessionKey", rec.ChildSessionKey, "error", err)
		}
		r.logger.Info("archived expired child session",
			"runId", rec.RunID, "childSessionKey", rec.ChildSessionKey)
	}
	return empty
}

// Close stops the sweeper and every pending watcher, waiting until all
// of them have let go of the registry and its files.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	if r.events != nil {
		r.events.UnsubscribeAgent(listenerID)
	}
	close(r.sweeperStop)
	r.wg.Wait()
}

func (r *Registry) snapshotLocked() []*Record {
	out := make([]*Record, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, rec.clone())
	}
	return out
}

func (r *Registry) persist() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	runs := make(map[string]*Record, len(r.runs))
	for id, rec := range r.runs {
		runs[id] = rec.clone()
	}
	r.mu.Unlock()
	return saveRegistry(r.path, runs)
}

func (r *Registry) persistLogged() {
	if err := r.persist(); err != nil {
		r.logger.Error("subagent registry save failed", "path", r.path, "error", err)
	}
}
