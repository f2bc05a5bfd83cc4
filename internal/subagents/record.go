package subagents

import (
	"github.com/KyouP/llm-ron-bot/internal/routing"
)

// Cleanup policies for a finished child session.
const (
	CleanupKeep   = "keep"
	CleanupDelete = "delete"
)

// Outcome statuses reported for a finished run.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusUnknown = "unknown"
)

// Outcome records how a child run finished.
type Outcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Record tracks one spawned child run from registration until its
// announcement has been delivered. It is persisted so an interrupted
// process can pick the run back up.
type Record struct {
	RunID               string                   `json:"runId"`
	ChildSessionKey     string                   `json:"childSessionKey"`
	RequesterSessionKey string                   `json:"requesterSessionKey"`
	RequesterOrigin     *routing.DeliveryContext `json:"requesterOrigin,omitempty"`
	RequesterDisplayKey string                   `json:"requesterDisplayKey,omitempty"`
	Task                string                   `json:"task"`
	Label               string                   `json:"label,omitempty"`
	Cleanup             string                   `json:"cleanup"`
	CreatedAt           int64                    `json:"createdAt"`
	StartedAt           int64                    `json:"startedAt,omitempty"`
	EndedAt             int64                    `json:"endedAt,omitempty"`
	Outcome             *Outcome                 `json:"outcome,omitempty"`
	ArchiveAtMs         int64                    `json:"archiveAtMs,omitempty"`

	// CleanupHandled is the announce token: whoever flips it from false
	// to true owns the announce attempt. CleanupCompletedAt means the
	// announcement landed and no retry should happen.
	CleanupHandled     bool  `json:"cleanupHandled,omitempty"`
	CleanupCompletedAt int64 `json:"cleanupCompletedAt,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.RequesterOrigin != nil {
		o := *r.RequesterOrigin
		cp.RequesterOrigin = &o
	}
	if r.Outcome != nil {
		o := *r.Outcome
		cp.Outcome = &o
	}
	return &cp
}
