// Package bus provides the in-process message bus connecting the agent
// dispatcher, the subagent registry, and the gateway event fan-out.
package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is the concrete in-process bus. Handlers run on the
// publisher's goroutine; they must not block.
type MessageBus struct {
	mu            sync.RWMutex
	eventHandlers map[string]EventHandler
	agentHandlers map[string]AgentEventHandler
}

// New creates an empty message bus.
func New() *MessageBus {
	return &MessageBus{
		eventHandlers: make(map[string]EventHandler),
		agentHandlers: make(map[string]AgentEventHandler),
	}
}

// Subscribe registers a broadcast event handler under an id.
// Re-subscribing with the same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventHandlers[id] = handler
}

// Unsubscribe removes a broadcast event handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.eventHandlers, id)
}

// Broadcast delivers an event to every subscribed handler.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.eventHandlers))
	for _, h := range b.eventHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// SubscribeAgent registers an agent event handler under an id.
func (b *MessageBus) SubscribeAgent(id string, handler AgentEventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentHandlers[id] = handler
}

// UnsubscribeAgent removes an agent event handler.
func (b *MessageBus) UnsubscribeAgent(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agentHandlers, id)
}

// PublishAgent delivers an agent event to every subscribed handler.
// Panics in handlers are contained so one bad listener cannot take down
// the dispatcher.
func (b *MessageBus) PublishAgent(event AgentEvent) {
	b.mu.RLock()
	handlers := make([]AgentEventHandler, 0, len(b.agentHandlers))
	for _, h := range b.agentHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("agent event handler panicked", "event", event.Type, "phase", event.Phase, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
