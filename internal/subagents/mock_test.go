package subagents

import (
	"context"
	"sync"
	"time"

	"github.com/KyouP/llm-ron-bot/internal/routing"
)

func routingContext(channel, to, accountID, threadID string) *routing.DeliveryContext {
	return &routing.DeliveryContext{Channel: channel, To: to, AccountID: accountID, ThreadID: threadID}
}

// fakeGateway records calls and serves canned answers.
type fakeGateway struct {
	mu         sync.Mutex
	agentCalls []AgentRequest
	agentErr   error
	waitResult WaitResult
	waitSeq    []WaitResult // consumed first when set, one per call
	waitErr    error
	waitCalls  int
	waitBlock  chan struct{} // when set, AgentWait blocks until closed
	patched    map[string]string
	deleted    map[string]bool
	activeKeys map[string]bool
	deleteErr  error
	patchErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		patched:    make(map[string]string),
		deleted:    make(map[string]bool),
		activeKeys: make(map[string]bool),
	}
}

func (f *fakeGateway) Agent(ctx context.Context, req AgentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentCalls = append(f.agentCalls, req)
	return f.agentErr
}

func (f *fakeGateway) AgentWait(ctx context.Context, runID string, timeout time.Duration) (WaitResult, error) {
	f.mu.Lock()
	f.waitCalls++
	block := f.waitBlock
	res, err := f.waitResult, f.waitErr
	if len(f.waitSeq) > 0 {
		res = f.waitSeq[0]
		f.waitSeq = f.waitSeq[1:]
	}
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		}
	}
	return res, err
}

func (f *fakeGateway) SessionsPatch(ctx context.Context, key, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patched[key] = label
	return f.patchErr
}

func (f *fakeGateway) SessionsDelete(ctx context.Context, key string, deleteTranscript bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[key] = deleteTranscript
	return f.deleteErr
}

func (f *fakeGateway) IsRunActive(sessionKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeKeys[sessionKey]
}

func (f *fakeGateway) setActive(key string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeKeys[key] = active
}

func (f *fakeGateway) sentMessages() []AgentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AgentRequest(nil), f.agentCalls...)
}

// fakeStore is an in-memory SessionStore.
type fakeStore struct {
	mu      sync.Mutex
	replies map[string]string
	tokens  map[string][2]int64
	models  map[string]string
	ids     map[string]string
	paths   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		replies: make(map[string]string),
		tokens:  make(map[string][2]int64),
		models:  make(map[string]string),
		ids:     make(map[string]string),
		paths:   make(map[string]string),
	}
}

func (f *fakeStore) LatestAssistantReply(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies[key]
}

func (f *fakeStore) Tokens(key string) (int64, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tokens[key]
	return t[0], t[1]
}

func (f *fakeStore) Model(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[key]
}

func (f *fakeStore) SessionID(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[key]
}

func (f *fakeStore) TranscriptPath(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[key]
}
