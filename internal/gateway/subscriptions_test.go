package gateway

import (
	"sort"
	"testing"
)

func TestSubscribeAndLookup(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("c1", "agent:ron:main")
	idx.Subscribe("c2", "agent:ron:main")
	idx.Subscribe("c1", "agent:ron:subagent:abc")

	got := idx.Subscribers("agent:ron:main")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("unexpected subscribers: %v", got)
	}

	sessions := idx.Sessions("c1")
	sort.Strings(sessions)
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions for c1, got %v", sessions)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("c1", "k")
	idx.Subscribe("c1", "k")
	if got := idx.Subscribers("k"); len(got) != 1 {
		t.Errorf("duplicate subscribe should collapse, got %v", got)
	}
}

func TestUnsubscribeSymmetric(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("c1", "k1")
	idx.Subscribe("c1", "k2")
	idx.Unsubscribe("c1", "k1")

	if idx.HasSubscribers("k1") {
		t.Error("k1 should have no subscribers")
	}
	if got := idx.Sessions("c1"); len(got) != 1 || got[0] != "k2" {
		t.Errorf("c1 should keep only k2, got %v", got)
	}
}

func TestUnsubscribeAllOnDisconnect(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("c1", "k1")
	idx.Subscribe("c1", "k2")
	idx.Subscribe("c2", "k1")

	idx.UnsubscribeAll("c1")

	if got := idx.Sessions("c1"); got != nil {
		t.Errorf("c1 should have no sessions, got %v", got)
	}
	if got := idx.Subscribers("k1"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("k1 should keep c2 only, got %v", got)
	}
	if idx.HasSubscribers("k2") {
		t.Error("k2 should be gone entirely")
	}
}

func TestNoEmptySetLeakage(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("c1", "k")
	idx.Unsubscribe("c1", "k")

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if _, ok := idx.bySession["k"]; ok {
		t.Error("empty session entry retained")
	}
	if _, ok := idx.byConn["c1"]; ok {
		t.Error("empty connection entry retained")
	}
}

func TestSubscribeTrimsAndRejectsEmptyKeys(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Subscribe("c1", "  agent:ron:main  ")
	if got := idx.Subscribers("agent:ron:main"); len(got) != 1 || got[0] != "c1" {
		t.Errorf("trimmed key should match, got %v", got)
	}

	idx.Unsubscribe("c1", " agent:ron:main ")
	if idx.HasSubscribers("agent:ron:main") {
		t.Error("trimmed unsubscribe should remove the pairing")
	}

	idx.Subscribe("c1", "   ")
	idx.Subscribe("c1", "")
	if got := idx.Sessions("c1"); got != nil {
		t.Errorf("blank keys must not register, got %v", got)
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	idx := NewSubscriptionIndex()
	idx.Unsubscribe("ghost", "nowhere")
	idx.UnsubscribeAll("ghost")
	if idx.HasSubscribers("nowhere") {
		t.Error("phantom subscription appeared")
	}
}
