package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KyouP/llm-ron-bot/internal/providers"
)

func TestGetOrCreateAssignsSessionID(t *testing.T) {
	m := NewManager("")
	s := m.GetOrCreate("agent:ron:main")
	if s.SessionID == "" {
		t.Error("new sessions need a session id")
	}
	again := m.GetOrCreate("agent:ron:main")
	if again.SessionID != s.SessionID {
		t.Error("repeated GetOrCreate must return the same session")
	}
}

func TestLatestAssistantReply(t *testing.T) {
	m := NewManager("")
	key := "agent:ron:main"
	m.AddMessage(key, providers.Message{Role: "user", Content: "q1"})
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "a1"})
	m.AddMessage(key, providers.Message{Role: "user", Content: "q2"})
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "a2"})
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "   "})

	if got := m.LatestAssistantReply(key); got != "a2" {
		t.Errorf("expected latest non-blank assistant reply, got %q", got)
	}
	if got := m.LatestAssistantReply("missing"); got != "" {
		t.Errorf("missing session should yield empty, got %q", got)
	}
}

func TestAccumulateTokens(t *testing.T) {
	m := NewManager("")
	key := "k"
	m.GetOrCreate(key)
	m.AccumulateTokens(key, 10, 20)
	m.AccumulateTokens(key, 5, 5)
	in, out := m.Tokens(key)
	if in != 15 || out != 25 {
		t.Errorf("tokens wrong: %d/%d", in, out)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := "agent:ron:subagent:abc"
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "hello"})
	m.SetLabel(key, "my label")
	m.SetLastRoute(key, "telegram", "42", "work", "t9")
	m.SetDeliveryContext(key, Delivery{Channel: "telegram", To: "42"})
	m.AccumulateTokens(key, 7, 9)
	if err := m.Save(key); err != nil {
		t.Fatalf("save: %v", err)
	}

	m2 := NewManager(dir)
	s, ok := m2.Entry(key)
	if !ok {
		t.Fatal("session not reloaded")
	}
	if s.Label != "my label" || s.LastChannel != "telegram" || s.LastTo != "42" || s.LastAccountID != "work" || s.LastThreadID != "t9" {
		t.Errorf("fields lost in reload: %+v", s)
	}
	if s.DeliveryContext == nil || s.DeliveryContext.Channel != "telegram" {
		t.Errorf("delivery context lost: %+v", s.DeliveryContext)
	}
	if s.InputTokens != 7 || s.OutputTokens != 9 {
		t.Errorf("tokens lost: %d/%d", s.InputTokens, s.OutputTokens)
	}
	if got := m2.LatestAssistantReply(key); got != "hello" {
		t.Errorf("messages lost: %q", got)
	}
}

func TestTranscriptAppend(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := "agent:ron:main"
	m.AddMessage(key, providers.Message{Role: "user", Content: "one"})
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "two"})

	tp := m.TranscriptPath(key)
	if tp == "" {
		t.Fatal("no transcript path")
	}
	data, err := os.ReadFile(tp)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 transcript lines, got %d", len(lines))
	}
}

func TestDeleteSoftDeletesTranscript(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := "agent:ron:subagent:abc"
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "bye"})
	m.Save(key)

	tp := m.TranscriptPath(key)
	if err := m.Delete(key, true); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := os.Stat(tp); !os.IsNotExist(err) {
		t.Error("original transcript should be gone")
	}
	matches, _ := filepath.Glob(tp + ".deleted.*")
	if len(matches) != 1 {
		t.Errorf("expected one soft-deleted transcript, got %v", matches)
	}
	if _, ok := m.Entry(key); ok {
		t.Error("session should be removed")
	}
	// Metadata file must be gone too.
	if _, err := os.Stat(filepath.Join(dir, sanitizeFilename(key)+".json")); !os.IsNotExist(err) {
		t.Error("metadata file should be removed")
	}
}

func TestDeleteKeepsTranscriptWhenAsked(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := "agent:ron:main"
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "stay"})
	m.Save(key)
	tp := m.TranscriptPath(key)

	if err := m.Delete(key, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(tp); err != nil {
		t.Error("transcript should survive a metadata-only delete")
	}
}

func TestListFiltersByAgent(t *testing.T) {
	m := NewManager("")
	m.GetOrCreate("agent:ron:main")
	m.GetOrCreate("agent:ron:subagent:a")
	m.GetOrCreate("agent:other:main")

	if got := m.List("ron"); len(got) != 2 {
		t.Errorf("expected 2 sessions for ron, got %d", len(got))
	}
	if got := m.List(""); len(got) != 3 {
		t.Errorf("expected all sessions, got %d", len(got))
	}
}
