package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KyouP/llm-ron-bot/internal/bus"
	"github.com/KyouP/llm-ron-bot/internal/config"
	"github.com/KyouP/llm-ron-bot/internal/lanes"
	"github.com/KyouP/llm-ron-bot/internal/providers"
	"github.com/KyouP/llm-ron-bot/internal/routing"
	"github.com/KyouP/llm-ron-bot/internal/sessions"
	"github.com/KyouP/llm-ron-bot/internal/subagents"
)

// ChannelSender delivers an outbound message to a chat channel.
type ChannelSender interface {
	Send(ctx context.Context, dest routing.DeliveryContext, text string) error
}

// Run tracks one in-flight or finished agent turn.
type Run struct {
	ID         string
	SessionKey string
	StartedAt  int64
	EndedAt    int64
	Status     string // running, ok, error, timeout
	Error      string

	done   chan struct{}
	cancel context.CancelFunc
}

// StartParams describe a detached run.
type StartParams struct {
	SessionKey string
	Message    string
	Model      string
	Thinking   string
	Lane       string
	Deliver    bool
	Origin     *routing.DeliveryContext
	RunTimeout time.Duration
}

// Dispatcher owns run execution: it serializes turns through the lane
// queue, talks to the model provider, persists the conversation, emits
// lifecycle events, and answers wait queries. It is the in-process
// implementation of the gateway surface the orchestrator consumes.
type Dispatcher struct {
	mu        sync.Mutex
	runs      map[string]*Run
	bySession map[string]string // sessionKey -> active run id

	queue    *lanes.Queue
	store    *sessions.Manager
	events   bus.AgentEventBus
	provider providers.Provider
	sender   ChannelSender
	cfg      func() *config.Config
	logger   *slog.Logger
	seen     map[string]struct{} // idempotency keys already processed
}

// NewDispatcher wires a dispatcher. cfg is a getter so hot reloads take
// effect without re-wiring; sender may be nil when no channel is attached.
func NewDispatcher(queue *lanes.Queue, store *sessions.Manager, events bus.AgentEventBus, provider providers.Provider, sender ChannelSender, cfg func() *config.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runs:      make(map[string]*Run),
		bySession: make(map[string]string),
		queue:     queue,
		store:     store,
		events:    events,
		provider:  provider,
		sender:    sender,
		cfg:       cfg,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// Start launches a detached run and returns its id immediately.
func (d *Dispatcher) Start(params StartParams) string {
	runID := uuid.NewString()
	var runCtx context.Context
	var cancel context.CancelFunc
	if params.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), params.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	run := &Run{
		ID:         runID,
		SessionKey: params.SessionKey,
		Status:     "running",
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	d.mu.Lock()
	d.runs[runID] = run
	d.bySession[params.SessionKey] = runID
	d.mu.Unlock()

	lane := params.Lane
	if lane == "" {
		lane = "main"
	}

	go func() {
		err := d.queue.Enqueue(runCtx, lane, func(ctx context.Context) error {
			return d.execute(ctx, run, params)
		})
		d.finish(run, params, err)
	}()
	return runID
}

// execute performs the model turn for one run.
func (d *Dispatcher) execute(ctx context.Context, run *Run, params StartParams) error {
	now := time.Now().UnixMilli()
	d.mu.Lock()
	run.StartedAt = now
	d.mu.Unlock()

	if d.events != nil {
		d.events.PublishAgent(bus.AgentEvent{
			Type: "lifecycle", Phase: "start", RunID: run.ID, SessionKey: run.SessionKey,
		})
	}

	d.store.AddMessage(run.SessionKey, providers.Message{Role: "user", Content: params.Message})

	model := params.Model
	if model == "" {
		model = d.cfg().Agents.Defaults.Model
	}

	entry, _ := d.store.Entry(run.SessionKey)
	resp, err := d.provider.Chat(ctx, providers.ChatRequest{
		Model:    model,
		Messages: entry.Messages,
		Thinking: params.Thinking,
	})
	if err != nil {
		return fmt.Errorf("model turn: %w", err)
	}

	d.store.AddMessage(run.SessionKey, providers.Message{Role: "assistant", Content: resp.Content})
	d.store.AccumulateTokens(run.SessionKey, resp.InputTokens, resp.OutputTokens)
	d.store.UpdateMetadata(run.SessionKey, resp.Model, d.provider.Name(), "")
	if err := d.store.Save(run.SessionKey); err != nil {
		d.logger.Warn("session save failed", "sessionKey", run.SessionKey, "error", err)
	}

	if params.Deliver && d.sender != nil && params.Origin != nil {
		dest := routing.Normalize(*params.Origin)
		if dest.IsRoutable() {
			if err := d.sender.Send(ctx, dest, resp.Content); err != nil {
				d.logger.Error("channel delivery failed", "sessionKey", run.SessionKey, "error", err)
			}
		}
	}
	return nil
}

// finish records the terminal state and publishes the matching lifecycle
// event.
func (d *Dispatcher) finish(run *Run, params StartParams, err error) {
	now := time.Now().UnixMilli()

	status := "ok"
	errText := ""
	switch {
	case err == nil:
		status = "ok"
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case errors.Is(err, context.Canceled):
		status = "error"
		errText = "stopped"
	default:
		status = "error"
		errText = err.Error()
	}

	d.mu.Lock()
	run.EndedAt = now
	run.Status = status
	run.Error = errText
	if d.bySession[run.SessionKey] == run.ID {
		delete(d.bySession, run.SessionKey)
	}
	d.mu.Unlock()
	close(run.done)

	if d.events == nil {
		return
	}
	ev := bus.AgentEvent{
		Type: "lifecycle", RunID: run.ID, SessionKey: run.SessionKey, EndedAt: now, Status: status,
	}
	switch status {
	case "ok":
		ev.Phase = "end"
	case "timeout":
		ev.Phase = "error"
		ev.Error = "run timed out"
	default:
		ev.Phase = "error"
		ev.Error = errText
	}
	d.events.PublishAgent(ev)
}

// IsRunActive reports whether a session has a live run.
func (d *Dispatcher) IsRunActive(sessionKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.bySession[sessionKey]
	return ok
}

// ActiveRunID returns the live run id for a session, if any.
func (d *Dispatcher) ActiveRunID(sessionKey string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.bySession[sessionKey]
	return id, ok
}

// StopSession cancels the live run of a session. Reports whether one was
// running.
func (d *Dispatcher) StopSession(sessionKey string) bool {
	d.mu.Lock()
	id, ok := d.bySession[sessionKey]
	var run *Run
	if ok {
		run = d.runs[id]
	}
	d.mu.Unlock()
	if run == nil {
		return false
	}
	run.cancel()
	return true
}

// Agent implements the gateway send: it runs a turn to completion.
func (d *Dispatcher) Agent(ctx context.Context, req subagents.AgentRequest) error {
	if req.IdempotencyKey != "" {
		d.mu.Lock()
		if _, dup := d.seen[req.IdempotencyKey]; dup {
			d.mu.Unlock()
			return nil
		}
		d.seen[req.IdempotencyKey] = struct{}{}
		d.mu.Unlock()
	}

	var origin *routing.DeliveryContext
	if req.Channel != "" || req.To != "" {
		origin = &routing.DeliveryContext{
			Channel:   req.Channel,
			To:        req.To,
			AccountID: req.AccountID,
			ThreadID:  req.ThreadID,
		}
	}

	runID := d.Start(StartParams{
		SessionKey: req.SessionKey,
		Message:    req.Message,
		Deliver:    req.Deliver,
		Origin:     origin,
	})
	res, err := d.AgentWait(ctx, runID, 0)
	if err != nil {
		return err
	}
	if res.Status == "error" {
		return fmt.Errorf("run %s failed: %s", runID, res.Error)
	}
	return nil
}

// AgentWait blocks until a run finishes or the timeout elapses. A zero
// timeout waits indefinitely (bounded by ctx).
func (d *Dispatcher) AgentWait(ctx context.Context, runID string, timeout time.Duration) (subagents.WaitResult, error) {
	d.mu.Lock()
	run, ok := d.runs[runID]
	d.mu.Unlock()
	if !ok {
		return subagents.WaitResult{}, fmt.Errorf("unknown run %s", runID)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-run.done:
	case <-timeoutCh:
		return subagents.WaitResult{Status: "timeout"}, nil
	case <-ctx.Done():
		return subagents.WaitResult{}, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return subagents.WaitResult{
		Status:    run.Status,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
		Error:     run.Error,
	}, nil
}

// SessionsPatch updates a session label.
func (d *Dispatcher) SessionsPatch(ctx context.Context, key, label string) error {
	d.store.SetLabel(key, label)
	return d.store.Save(key)
}

// SessionsDelete removes a session, soft-deleting its transcript when
// asked.
func (d *Dispatcher) SessionsDelete(ctx context.Context, key string, deleteTranscript bool) error {
	return d.store.Delete(key, deleteTranscript)
}
