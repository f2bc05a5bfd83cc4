package gateway

import (
	"log/slog"
	"testing"

	"github.com/KyouP/llm-ron-bot/internal/bus"
	"github.com/KyouP/llm-ron-bot/pkg/protocol"
)

func addClient(s *Server, id string) *client {
	c := &client{id: id, send: make(chan []byte, 8), server: s, logger: slog.Default()}
	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()
	return c
}

func TestUnkeyedEventsOnlyReachSubscribers(t *testing.T) {
	server, _, _ := testServer(t)
	sub := addClient(server, "c-sub")
	idle := addClient(server, "c-idle")
	server.subs.Subscribe(sub.id, "agent:ron:main")

	server.onBusEvent(bus.Event{Name: "presence", Payload: map[string]interface{}{"state": "ready"}})

	if got := len(sub.send); got != 1 {
		t.Errorf("subscribed connection should get the event, got %d frames", got)
	}
	if got := len(idle.send); got != 0 {
		t.Errorf("idle connection should get nothing, got %d frames", got)
	}
}

func TestChatEventsReachEveryConnection(t *testing.T) {
	server, _, _ := testServer(t)
	sub := addClient(server, "c-sub")
	idle := addClient(server, "c-idle")
	server.subs.Subscribe(sub.id, "agent:ron:main")

	server.onBusEvent(bus.Event{Name: protocol.EventChat, Payload: map[string]interface{}{
		"channel": "telegram", "to": "42", "text": "hi",
	}})

	if len(sub.send) != 1 || len(idle.send) != 1 {
		t.Errorf("chat must fan out to every connection, got %d/%d frames",
			len(sub.send), len(idle.send))
	}
}

func TestSessionKeyedEventsFollowSubscriptions(t *testing.T) {
	server, _, _ := testServer(t)
	sub := addClient(server, "c-sub")
	other := addClient(server, "c-other")
	server.subs.Subscribe(sub.id, "agent:ron:main")
	server.subs.Subscribe(other.id, "agent:ron:subagent:abc")

	server.onBusEvent(bus.Event{Name: protocol.EventAgent, Payload: bus.AgentEvent{
		Type: "lifecycle", Phase: "end", SessionKey: "agent:ron:main",
	}})

	if got := len(sub.send); got != 1 {
		t.Errorf("session subscriber should get the event, got %d frames", got)
	}
	if got := len(other.send); got != 0 {
		t.Errorf("other sessions' subscribers should not, got %d frames", got)
	}
}
