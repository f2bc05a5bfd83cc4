package sessions

import "testing"

func TestBuildSubagentSessionKey(t *testing.T) {
	got := BuildSubagentSessionKey("ron", "abc-123")
	if got != "agent:ron:subagent:abc-123" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestParseSessionKey(t *testing.T) {
	agentID, rest := ParseSessionKey("agent:ron:subagent:abc")
	if agentID != "ron" || rest != "subagent:abc" {
		t.Errorf("got %q/%q", agentID, rest)
	}

	for _, bad := range []string{"", "main", "global", "agent:only"} {
		if id, _ := ParseSessionKey(bad); id != "" {
			t.Errorf("ParseSessionKey(%q) should fail, got %q", bad, id)
		}
	}
}

func TestIsSubagentSession(t *testing.T) {
	if !IsSubagentSession("agent:ron:subagent:abc") {
		t.Error("subagent key not detected")
	}
	for _, key := range []string{"agent:ron:main", "agent:ron:cron:j:run:1", "global", "main"} {
		if IsSubagentSession(key) {
			t.Errorf("%q misdetected as subagent", key)
		}
	}
}

func TestIsCronSession(t *testing.T) {
	if !IsCronSession("agent:ron:cron:daily:run:1") {
		t.Error("cron key not detected")
	}
	if IsCronSession("agent:ron:subagent:abc") {
		t.Error("subagent key misdetected as cron")
	}
}

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		key, agentID, mainKey, want string
	}{
		{"", "ron", "", "agent:ron:main"},
		{"main", "ron", "", "agent:ron:main"},
		{"main", "ron", "primary", "agent:ron:primary"},
		{"primary", "ron", "primary", "agent:ron:primary"},
		{"global", "ron", "", "global"},
		{"unknown", "ron", "", "unknown"},
		{"agent:other:main", "ron", "", "agent:other:main"},
		{"telegram:direct:42", "ron", "", "agent:ron:telegram:direct:42"},
		{"  main  ", "ron", "", "agent:ron:main"},
	}
	for _, c := range cases {
		if got := Canonicalize(c.key, c.agentID, c.mainKey); got != c.want {
			t.Errorf("Canonicalize(%q, %q, %q) = %q, want %q", c.key, c.agentID, c.mainKey, got, c.want)
		}
	}
}

func TestCanonicalizeAliasesAgree(t *testing.T) {
	a := Canonicalize("main", "ron", "")
	b := Canonicalize("", "ron", "")
	c := Canonicalize("agent:ron:main", "ron", "")
	if a != b || b != c {
		t.Errorf("aliases diverge: %q %q %q", a, b, c)
	}
}

func TestAgentIDFromKey(t *testing.T) {
	if got := AgentIDFromKey("agent:ron:main", "x"); got != "ron" {
		t.Errorf("got %q", got)
	}
	if got := AgentIDFromKey("global", "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}
