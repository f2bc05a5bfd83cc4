package subagents

import (
	"context"
	"time"
)

// WaitResult is the outcome of waiting on a run through the gateway.
type WaitResult struct {
	Status    string `json:"status"` // ok, error, timeout
	StartedAt int64  `json:"startedAt,omitempty"`
	EndedAt   int64  `json:"endedAt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AgentRequest is an outbound message dispatched through the gateway.
type AgentRequest struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	Channel        string `json:"channel,omitempty"`
	AccountID      string `json:"accountId,omitempty"`
	To             string `json:"to,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
	ExpectFinal    bool   `json:"expectFinal,omitempty"`
}

// Gateway is the RPC surface the orchestrator consumes. The production
// implementation is the agent dispatcher; tests supply fakes.
type Gateway interface {
	Agent(ctx context.Context, req AgentRequest) error
	AgentWait(ctx context.Context, runID string, timeout time.Duration) (WaitResult, error)
	SessionsPatch(ctx context.Context, key, label string) error
	SessionsDelete(ctx context.Context, key string, deleteTranscript bool) error
	// IsRunActive reports whether a session currently has a live run.
	IsRunActive(sessionKey string) bool
}

// SessionStore is the slice of the session manager the announce flow reads.
type SessionStore interface {
	LatestAssistantReply(key string) string
	Tokens(key string) (input, output int64)
	SessionID(key string) string
	TranscriptPath(key string) string
	Model(key string) string
}
