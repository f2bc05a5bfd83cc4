package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KyouP/llm-ron-bot/internal/providers"
)

// Delivery is the persisted routing tuple for a session. All fields are
// optional; empty strings mean unset.
type Delivery struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Session stores conversation state for one agent+scope combination.
type Session struct {
	Key       string              `json:"key"`
	SessionID string              `json:"sessionId"` // backs the transcript filename
	Messages  []providers.Message `json:"messages"`
	Created   time.Time           `json:"created"`
	Updated   time.Time           `json:"updated"`

	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Channel      string `json:"channel,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
	Label        string `json:"label,omitempty"`
	SpawnedBy    string `json:"spawnedBy,omitempty"`

	// Last observed inbound routing, preferred over DeliveryContext when
	// resolving where a reply should land.
	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastThreadID  string `json:"lastThreadId,omitempty"`

	DeliveryContext *Delivery `json:"deliveryContext,omitempty"`
	OriginThreadID  string    `json:"originThreadId,omitempty"`
}

// Manager handles session lifecycle, persistence, and lookup.
// Session metadata lives at {storage}/{key}.json; the transcript is an
// append-only JSONL file at {storage}/{sessionId}.jsonl.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	storage  string
}

// NewManager creates a manager rooted at the given storage directory.
// An empty storage disables persistence (used by tests).
func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0o755)
		m.loadAll()
	}
	return m
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

func (m *Manager) getOrCreateLocked(key string) *Session {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{
		Key:       key,
		SessionID: uuid.NewString(),
		Messages:  []providers.Message{},
		Created:   time.Now(),
		Updated:   time.Now(),
	}
	m.sessions[key] = s
	return s
}

// Entry returns a snapshot copy of a session, or false if it does not exist.
func (m *Manager) Entry(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	cp := *s
	cp.Messages = append([]providers.Message(nil), s.Messages...)
	if s.DeliveryContext != nil {
		dc := *s.DeliveryContext
		cp.DeliveryContext = &dc
	}
	return cp, true
}

// AddMessage appends a message to a session and its transcript.
func (m *Manager) AddMessage(key string, msg providers.Message) {
	m.mu.Lock()
	s := m.getOrCreateLocked(key)
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
	sessionID := s.SessionID
	m.mu.Unlock()

	m.appendTranscript(sessionID, msg)
}

// LatestAssistantReply returns the content of the most recent assistant
// message, or "" if there is none.
func (m *Manager) LatestAssistantReply(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "assistant" && strings.TrimSpace(s.Messages[i].Content) != "" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Tokens returns the accumulated input/output token counts for a session.
func (m *Manager) Tokens(key string) (input, output int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.InputTokens, s.OutputTokens
	}
	return 0, 0
}

// Model returns the model a session last ran with ("" if unknown).
func (m *Manager) Model(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.Model
	}
	return ""
}

// AccumulateTokens adds token counts from a completed run.
func (m *Manager) AccumulateTokens(key string, input, output int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.InputTokens += input
		s.OutputTokens += output
	}
}

// SetLabel updates the session label.
func (m *Manager) SetLabel(key, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Label = label
		s.Updated = time.Now()
	}
}

// SetSpawnInfo records which session spawned this one.
func (m *Manager) SetSpawnInfo(key, spawnedBy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.SpawnedBy = spawnedBy
	}
}

// UpdateMetadata sets model/provider/channel metadata on a session.
func (m *Manager) UpdateMetadata(key, model, provider, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	if model != "" {
		s.Model = model
	}
	if provider != "" {
		s.Provider = provider
	}
	if channel != "" {
		s.Channel = channel
	}
}

// SetLastRoute records the most recent inbound routing for a session.
func (m *Manager) SetLastRoute(key, channel, to, accountID, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	if channel != "" {
		s.LastChannel = channel
	}
	if to != "" {
		s.LastTo = to
	}
	if accountID != "" {
		s.LastAccountID = accountID
	}
	if threadID != "" {
		s.LastThreadID = threadID
	}
}

// SetDeliveryContext stores the persisted fallback routing tuple.
func (m *Manager) SetDeliveryContext(key string, d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		cp := d
		s.DeliveryContext = &cp
	}
}

// SessionID returns the transcript-backing id for a session ("" if absent).
func (m *Manager) SessionID(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.SessionID
	}
	return ""
}

// TranscriptPath returns the on-disk transcript path for a session,
// or "" when the session is unknown or persistence is disabled.
func (m *Manager) TranscriptPath(key string) string {
	if m.storage == "" {
		return ""
	}
	id := m.SessionID(key)
	if id == "" {
		return ""
	}
	return filepath.Join(m.storage, id+".jsonl")
}

// Delete removes a session. The transcript is soft-deleted by renaming it
// to {name}.deleted.{unixms} in the same folder so it can be recovered.
func (m *Manager) Delete(key string, deleteTranscript bool) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	var sessionID string
	if ok {
		sessionID = s.SessionID
	}
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage == "" || !ok {
		return nil
	}

	metaPath := filepath.Join(m.storage, sanitizeFilename(key)+".json")
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	if deleteTranscript && sessionID != "" {
		tp := filepath.Join(m.storage, sessionID+".jsonl")
		deleted := fmt.Sprintf("%s.deleted.%d", tp, time.Now().UnixMilli())
		if err := os.Rename(tp, deleted); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// SessionInfo is a lightweight session descriptor for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	Label        string    `json:"label,omitempty"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// List returns metadata for all sessions, optionally filtered by agent ID.
func (m *Manager) List(agentID string) []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	var result []SessionInfo
	for key, s := range m.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, SessionInfo{
			Key:          key,
			Label:        s.Label,
			MessageCount: len(s.Messages),
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	return result
}

// Save persists a session's metadata to disk atomically.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	snapshot, ok := m.Entry(key)
	if !ok {
		return nil
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	sessionPath := filepath.Join(m.storage, filename+".json")

	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) appendTranscript(sessionID string, msg providers.Message) {
	if m.storage == "" || sessionID == "" {
		return
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(m.storage, sessionID+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if s.Key == "" {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
