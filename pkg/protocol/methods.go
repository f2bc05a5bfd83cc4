package protocol

// RPC method name constants.
const (
	// Agent
	MethodAgent     = "agent"
	MethodAgentWait = "agent.wait"

	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsSend    = "sessions.send"
	MethodSessionsSpawn   = "sessions.spawn"

	// Event routing
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
