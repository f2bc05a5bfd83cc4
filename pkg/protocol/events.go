package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventCron     = "cron"
	EventShutdown = "shutdown"
	EventTick     = "tick"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventLifecycle  = "lifecycle"
	AgentEventToolCall   = "tool.call"
	AgentEventToolResult = "tool.result"
)

// Lifecycle phases (in payload.phase).
const (
	LifecycleStart = "start"
	LifecycleEnd   = "end"
	LifecycleError = "error"
)
