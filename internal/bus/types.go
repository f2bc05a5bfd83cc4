package bus

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// AgentEvent is an in-process agent runtime signal. Lifecycle events carry
// the run id and session key of the run that started, ended, or failed.
type AgentEvent struct {
	Type       string `json:"type"`  // protocol.AgentEvent* constants
	Phase      string `json:"phase"` // protocol.Lifecycle* constants (lifecycle events only)
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	EndedAt    int64  `json:"endedAt,omitempty"` // unix ms
	Status     string `json:"status,omitempty"`  // terminal run status: ok, error, timeout
	Error      string `json:"error,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// AgentEventHandler handles an agent runtime signal.
type AgentEventHandler func(AgentEvent)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the subagent registry to decouple from
// the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// AgentEventBus carries agent lifecycle signals between the dispatcher and
// in-process listeners (subagent registry, announce queue flusher).
type AgentEventBus interface {
	SubscribeAgent(id string, handler AgentEventHandler)
	UnsubscribeAgent(id string)
	PublishAgent(event AgentEvent)
}
