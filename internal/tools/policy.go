package tools

import "github.com/KyouP/llm-ron-bot/internal/config"

// Tools a subagent may never use by default: they would let it inspect
// or drive sibling conversations and spawn nested workers.
var subagentDenyDefaults = []string{
	"sessions_list",
	"sessions_history",
	"sessions_send",
	"sessions_spawn",
}

// Policy resolves tool access. Deny always dominates. When an allow list
// is present, access flips to allow-list mode with deny still overriding.
type Policy struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// NewPolicy builds a policy from explicit allow/deny lists.
func NewPolicy(allow, deny []string) Policy {
	p := Policy{deny: make(map[string]struct{}, len(deny))}
	for _, t := range deny {
		p.deny[t] = struct{}{}
	}
	if len(allow) > 0 {
		p.allow = make(map[string]struct{}, len(allow))
		for _, t := range allow {
			p.allow[t] = struct{}{}
		}
	}
	return p
}

// SubagentPolicy derives the policy applied inside subagent sessions:
// configured allow/deny plus the built-in session-tool denies.
func SubagentPolicy(cfg config.AllowDeny) Policy {
	deny := append([]string(nil), cfg.Deny...)
	deny = append(deny, subagentDenyDefaults...)
	return NewPolicy(cfg.Allow, deny)
}

// Allowed reports whether a tool may run under this policy.
func (p Policy) Allowed(tool string) bool {
	if _, denied := p.deny[tool]; denied {
		return false
	}
	if p.allow != nil {
		_, ok := p.allow[tool]
		return ok
	}
	return true
}
