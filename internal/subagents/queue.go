package subagents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KyouP/llm-ron-bot/internal/routing"
)

// Flow-control modes governing how a completion message reaches the
// parent conversation.
const (
	ModeCollect      = "collect"       // always hold, flush when the run ends
	ModeFollowup     = "followup"      // hold only while the run is active
	ModeSteer        = "steer"         // inject into a live run, else send directly
	ModeSteerBacklog = "steer-backlog" // inject, else hold like followup
	ModeInterrupt    = "interrupt"     // hold like followup, parent may be interrupted
)

// Enqueue results.
const (
	ResultSteered = "steered" // injected into a live run
	ResultQueued  = "queued"  // held for later flush
	ResultNone    = "none"    // caller should deliver directly
)

// QueueItem is one held completion message.
type QueueItem struct {
	Prompt      string
	SummaryLine string
	EnqueuedAt  time.Time
	SessionKey  string
	Origin      *routing.DeliveryContext
}

// AnnounceQueue holds completion messages per parent conversation and
// decides, by mode, whether a new message is held, injected into a live
// run, or passed back for direct delivery. Buckets are keyed by the
// canonical parent session key so aliases of the same conversation share
// one FIFO.
type AnnounceQueue struct {
	mu    sync.Mutex
	items map[string][]QueueItem

	mode         string
	canonicalize func(sessionKey string) string
	runActive    func(sessionKey string) bool
	steer        func(sessionKey, prompt string) bool
	logger       *slog.Logger
}

// NewAnnounceQueue builds a queue. canonicalize maps session key aliases
// to one bucket key; runActive reports whether the conversation has a
// live run; steer attempts mid-run injection and reports success.
func NewAnnounceQueue(mode string, canonicalize func(string) string, runActive func(string) bool, steer func(string, string) bool, logger *slog.Logger) *AnnounceQueue {
	if canonicalize == nil {
		canonicalize = func(k string) string { return k }
	}
	if runActive == nil {
		runActive = func(string) bool { return false }
	}
	if steer == nil {
		steer = func(string, string) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnnounceQueue{
		items:        make(map[string][]QueueItem),
		mode:         mode,
		canonicalize: canonicalize,
		runActive:    runActive,
		steer:        steer,
		logger:       logger,
	}
}

// Enqueue routes one completion message and returns how it was handled.
func (q *AnnounceQueue) Enqueue(item QueueItem) string {
	key := q.canonicalize(item.SessionKey)
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	switch q.mode {
	case ModeCollect:
		q.hold(key, item)
		return ResultQueued
	case ModeSteer:
		if q.runActive(key) && q.steer(key, item.Prompt) {
			return ResultSteered
		}
		return ResultNone
	case ModeSteerBacklog:
		if q.runActive(key) && q.steer(key, item.Prompt) {
			return ResultSteered
		}
		if q.runActive(key) {
			q.hold(key, item)
			return ResultQueued
		}
		return ResultNone
	case ModeFollowup, ModeInterrupt:
		fallthrough
	default:
		if q.runActive(key) {
			q.hold(key, item)
			return ResultQueued
		}
		return ResultNone
	}
}

func (q *AnnounceQueue) hold(key string, item QueueItem) {
	q.mu.Lock()
	q.items[key] = append(q.items[key], item)
	depth := len(q.items[key])
	q.mu.Unlock()
	q.logger.Debug("announcement queued", "sessionKey", key, "depth", depth)
}

// Size returns the number of held items for a conversation.
func (q *AnnounceQueue) Size(sessionKey string) int {
	key := q.canonicalize(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[key])
}

// Drain removes and returns all held items for a conversation in FIFO
// order.
func (q *AnnounceQueue) Drain(sessionKey string) []QueueItem {
	key := q.canonicalize(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[key]
	delete(q.items, key)
	return items
}

// Flush delivers every held item for a conversation through the gateway,
// in FIFO order, each with the captured origin and a fresh idempotency
// key. Failed sends are logged and dropped; the rest keep flowing.
func (q *AnnounceQueue) Flush(ctx context.Context, sessionKey string, gw Gateway) {
	items := q.Drain(sessionKey)
	for _, item := range items {
		req := AgentRequest{
			SessionKey:     item.SessionKey,
			Message:        item.Prompt,
			Deliver:        true,
			IdempotencyKey: uuid.NewString(),
		}
		if item.Origin != nil {
			req.Channel = item.Origin.Channel
			req.To = item.Origin.To
			req.AccountID = item.Origin.AccountID
			req.ThreadID = item.Origin.ThreadID
		}
		if err := gw.Agent(ctx, req); err != nil {
			q.logger.Error("queued announcement delivery failed",
				"sessionKey", item.SessionKey, "error", err)
		}
	}
}
