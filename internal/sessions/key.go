// Package sessions provides the session key grammar and the file-backed
// session store.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	DM:       {channel}:direct:{peerId}
//	Group:    {channel}:group:{groupId}
//	Subagent: subagent:{uuid}
//	Cron:     cron:{jobId}:run:{runId}
//
// The literal keys "global" and "unknown" pass through unchanged; "main"
// and the configured main key both resolve to the configured main session
// key.
package sessions

import (
	"fmt"
	"strings"
)

// DefaultMainKey is used when session.mainKey is not configured.
const DefaultMainKey = "main"

// BuildSubagentSessionKey builds the session key for a subagent run.
//
//	agent:{agentId}:subagent:{uuid}
func BuildSubagentSessionKey(agentID, id string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, id)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
//
//	agent:{agentId}:{mainKey}
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = DefaultMainKey
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildCronSessionKey builds the session key for one cron job firing.
//
//	agent:{agentId}:cron:{jobId}:run:{runId}
func BuildCronSessionKey(agentID, jobID, runID string) string {
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsSubagentSession checks if a session key indicates a subagent session.
func IsSubagentSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// IsCronSession checks if a session key indicates a cron session.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}

// Canonicalize resolves the aliases a requester key may arrive as to a
// single form, so queues keyed by session agree regardless of spelling:
//
//   - "" and "main" and the configured mainKey → agent:{agentId}:{mainKey}
//   - "global" and "unknown" → unchanged
//   - "agent:..." → unchanged
//   - any other bare key → agent:{agentId}:{key}
func Canonicalize(key, agentID, mainKey string) string {
	key = strings.TrimSpace(key)
	if mainKey == "" {
		mainKey = DefaultMainKey
	}
	switch key {
	case "", DefaultMainKey, mainKey:
		return BuildAgentMainSessionKey(agentID, mainKey)
	case "global", "unknown":
		return key
	}
	if strings.HasPrefix(key, "agent:") {
		return key
	}
	return fmt.Sprintf("agent:%s:%s", agentID, key)
}

// AgentIDFromKey returns the agent id embedded in a canonical key, or the
// fallback when the key carries none (global/unknown/bare keys).
func AgentIDFromKey(key, fallback string) string {
	if id, _ := ParseSessionKey(key); id != "" {
		return id
	}
	return fallback
}
