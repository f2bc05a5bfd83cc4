package subagents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KyouP/llm-ron-bot/internal/routing"
)

// Sentinels the child or parent model may use to suppress output.
const (
	// AnnounceSkip in the child's final reply suppresses the whole
	// announcement.
	AnnounceSkip = "ANNOUNCE_SKIP"
	// NoReply lets the parent model acknowledge an announcement without
	// producing user-visible output.
	NoReply = "NO_REPLY"
)

const (
	settleCap      = 120 * time.Second
	replyRetryCap  = 15 * time.Second
	replyRetryStep = 100 * time.Millisecond
	settlePollStep = 250 * time.Millisecond
)

// CostRate is a model's USD price per million tokens.
type CostRate struct {
	Input  float64
	Output float64
}

// AnnounceOptions tune one announce attempt.
type AnnounceOptions struct {
	// Timeout bounds the wait for completion and derived caps.
	Timeout time.Duration
	// WaitForCompletion controls whether agent.wait is consulted when no
	// reply was pre-supplied.
	WaitForCompletion bool
	// RoundOneReply, when set, skips both agent.wait and the session read.
	RoundOneReply string
	// AnnounceType names the worker kind in the trigger message.
	AnnounceType string
}

// Announcer turns a finished child run into one best-effort announcement
// in the parent conversation.
type Announcer struct {
	gw      Gateway
	store   SessionStore
	queue   *AnnounceQueue
	costFor func(model string) (CostRate, bool)
	logger  *slog.Logger

	// overridable in tests
	settleCap     time.Duration
	replyRetryCap time.Duration
	pollStep      time.Duration
}

// NewAnnouncer builds an announcer. costFor resolves a model name to its
// pricing; a nil func disables cost estimates.
func NewAnnouncer(gw Gateway, store SessionStore, queue *AnnounceQueue, costFor func(model string) (CostRate, bool), logger *slog.Logger) *Announcer {
	if costFor == nil {
		costFor = func(string) (CostRate, bool) { return CostRate{}, false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		gw:            gw,
		store:         store,
		queue:         queue,
		costFor:       costFor,
		logger:        logger,
		settleCap:     settleCap,
		replyRetryCap: replyRetryCap,
		pollStep:      settlePollStep,
	}
}

// Announce runs the full flow for one record. didAnnounce reports whether
// an announcement was steered, queued, or sent; deferred reports that the
// child is still mid-run and the caller should retry later without
// cleaning anything up.
func (a *Announcer) Announce(ctx context.Context, rec *Record, opts AnnounceOptions) (didAnnounce, deferred bool) {
	if opts.AnnounceType == "" {
		opts.AnnounceType = "subagent"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	// Announcing while the child is still streaming would capture a
	// partial or empty reply.
	if !a.settle(ctx, rec.ChildSessionKey, opts.Timeout) {
		a.logger.Info("child still active, deferring announcement",
			"runId", rec.RunID, "childSessionKey", rec.ChildSessionKey)
		return false, true
	}

	if opts.RoundOneReply == "" && opts.WaitForCompletion {
		a.acquireOutcome(ctx, rec, opts.Timeout)
	}

	reply, stillActive := a.acquireReply(ctx, rec.ChildSessionKey, opts.RoundOneReply, opts.Timeout)
	if stillActive {
		a.logger.Info("child re-activated during reply wait, deferring",
			"runId", rec.RunID, "childSessionKey", rec.ChildSessionKey)
		return false, true
	}

	if strings.TrimSpace(reply) == AnnounceSkip {
		a.logger.Info("announcement skipped by child reply", "runId", rec.RunID)
		a.finalizeSession(ctx, rec)
		return false, false
	}

	message := a.buildTrigger(rec, reply, opts.AnnounceType)
	didAnnounce = a.deliver(ctx, rec, message)
	a.finalizeSession(ctx, rec)
	return didAnnounce, false
}

// settle waits for a live child run to finish, up to min(timeout, cap).
func (a *Announcer) settle(ctx context.Context, childKey string, timeout time.Duration) bool {
	if !a.gw.IsRunActive(childKey) {
		return true
	}
	deadline := time.Now().Add(minDuration(timeout, a.settleCap))
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(a.pollStep):
		}
		if !a.gw.IsRunActive(childKey) {
			return true
		}
	}
	return !a.gw.IsRunActive(childKey)
}

// acquireOutcome asks the gateway how the run finished and fills in any
// timing the record is missing.
func (a *Announcer) acquireOutcome(ctx context.Context, rec *Record, timeout time.Duration) {
	wr, err := a.gw.AgentWait(ctx, rec.RunID, timeout)
	if err != nil {
		a.logger.Error("wait for run failed", "runId", rec.RunID, "error", err)
		return
	}
	switch wr.Status {
	case StatusOK, StatusError, StatusTimeout:
		rec.Outcome = &Outcome{Status: wr.Status, Error: wr.Error}
	default:
		if rec.Outcome == nil {
			rec.Outcome = &Outcome{Status: StatusUnknown}
		}
	}
	if rec.StartedAt == 0 && wr.StartedAt > 0 {
		rec.StartedAt = wr.StartedAt
	}
	if rec.EndedAt == 0 && wr.EndedAt > 0 {
		rec.EndedAt = wr.EndedAt
	}
}

// acquireReply reads the child's latest assistant reply, retrying briefly
// because the transcript write can trail the lifecycle event. The second
// return is true when the child went active again mid-wait.
func (a *Announcer) acquireReply(ctx context.Context, childKey, preset string, timeout time.Duration) (string, bool) {
	if preset != "" {
		return preset, false
	}
	reply := a.store.LatestAssistantReply(childKey)
	if reply != "" {
		return reply, false
	}
	deadline := time.Now().Add(minDuration(timeout, a.replyRetryCap))
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(replyRetryStep):
		}
		if reply = a.store.LatestAssistantReply(childKey); reply != "" {
			return reply, false
		}
	}
	if a.gw.IsRunActive(childKey) {
		return "", true
	}
	return "", false
}

// statusLabel comes from the runtime outcome alone. Model output never
// influences it.
func statusLabel(outcome *Outcome) string {
	if outcome == nil {
		return "finished with unknown status"
	}
	switch outcome.Status {
	case StatusOK:
		return "completed successfully"
	case StatusTimeout:
		return "timed out"
	case StatusError:
		errText := outcome.Error
		if errText == "" {
			errText = "unknown error"
		}
		return "failed: " + errText
	default:
		return "finished with unknown status"
	}
}

func (a *Announcer) buildTrigger(rec *Record, reply, announceType string) string {
	if strings.TrimSpace(reply) == "" {
		reply = "(no output)"
	}
	label := rec.Label
	if label == "" {
		label = rec.Task
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A %s %q just %s.\n\n", announceType, label, statusLabel(rec.Outcome))
	fmt.Fprintf(&b, "Findings:\n%s\n\n", reply)
	fmt.Fprintf(&b, "%s\n\n", a.statsLine(rec))
	fmt.Fprintf(&b, "Relay the findings above to the user in your own words, keeping what matters for them. If nothing needs to be said, respond with %s and nothing else.", NoReply)
	return b.String()
}

// statsLine summarises runtime, token usage, cost, and where the child's
// transcript lives. Missing pieces render as n/a.
func (a *Announcer) statsLine(rec *Record) string {
	runtime := "n/a"
	if rec.StartedAt > 0 && rec.EndedAt >= rec.StartedAt {
		runtime = formatRuntime(rec.EndedAt - rec.StartedAt)
	}

	in, out := a.store.Tokens(rec.ChildSessionKey)
	total := in + out
	tokens := "n/a"
	if total > 0 {
		tokens = fmt.Sprintf("%d (in %d / out %d)", total, in, out)
	}

	cost := "n/a"
	if rate, ok := a.costFor(a.store.Model(rec.ChildSessionKey)); ok && total > 0 {
		usd := (float64(in)*rate.Input + float64(out)*rate.Output) / 1_000_000
		cost = fmt.Sprintf("$%.4f", usd)
	}

	sessionID := a.store.SessionID(rec.ChildSessionKey)
	if sessionID == "" {
		sessionID = "n/a"
	}
	transcript := a.store.TranscriptPath(rec.ChildSessionKey)
	if transcript == "" {
		transcript = "n/a"
	}

	return fmt.Sprintf("runtime %s • tokens %s • est %s • sessionKey %s • sessionId %s • transcript %s",
		runtime, tokens, cost, rec.ChildSessionKey, sessionID, transcript)
}

// formatRuntime renders a millisecond duration compactly, e.g. 5m12s.
func formatRuntime(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	secs := ms / 1000
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// deliver pushes the trigger message through the announce queue, falling
// back to a direct gateway send when nothing holds or steers it.
func (a *Announcer) deliver(ctx context.Context, rec *Record, message string) bool {
	item := QueueItem{
		Prompt:      message,
		SummaryLine: fmt.Sprintf("%s %s", rec.Label, statusLabel(rec.Outcome)),
		EnqueuedAt:  time.Now(),
		SessionKey:  rec.RequesterSessionKey,
		Origin:      rec.RequesterOrigin,
	}

	if a.queue != nil {
		switch a.queue.Enqueue(item) {
		case ResultSteered, ResultQueued:
			return true
		}
	}

	origin := routing.DeliveryContext{}
	if rec.RequesterOrigin != nil {
		origin = routing.Normalize(*rec.RequesterOrigin)
	}
	if !origin.IsRoutable() {
		a.logger.Warn("no routable origin for announcement, skipping direct send",
			"runId", rec.RunID, "requesterSessionKey", rec.RequesterSessionKey)
		return false
	}

	err := a.gw.Agent(ctx, AgentRequest{
		SessionKey:     rec.RequesterSessionKey,
		Message:        message,
		Deliver:        true,
		Channel:        origin.Channel,
		To:             origin.To,
		AccountID:      origin.AccountID,
		ThreadID:       origin.ThreadID,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		a.logger.Error("direct announcement send failed", "runId", rec.RunID, "error", err)
		return false
	}
	return true
}

// finalizeSession applies the label and cleanup policy to the child
// session. Both calls are best-effort.
func (a *Announcer) finalizeSession(ctx context.Context, rec *Record) {
	if rec.Label != "" {
		if err := a.gw.SessionsPatch(ctx, rec.ChildSessionKey, rec.Label); err != nil {
			a.logger.Warn("session label patch failed",
				"childSessionKey", rec.ChildSessionKey, "error", err)
		}
	}
	if rec.Cleanup == CleanupDelete {
		if err := a.gw.SessionsDelete(ctx, rec.ChildSessionKey, true); err != nil {
			a.logger.Warn("child session delete failed",
				"childSessionKey", rec.ChildSessionKey, "error", err)
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
