package routing

import (
	"testing"

	"github.com/KyouP/llm-ron-bot/internal/sessions"
)

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []DeliveryContext{
		{Channel: "Telegram", To: " 12345 ", AccountID: "", ThreadID: "77"},
		{Channel: "WHATSAPP", To: "+1555", AccountID: "biz", ThreadID: "9"},
		{Channel: "", To: "", AccountID: "", ThreadID: ""},
		{Channel: "mychannel", To: "room-1", AccountID: "acct", ThreadID: "t1"},
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %+v: first %+v, second %+v", in, once, twice)
		}
	}
}

func TestNormalizeDropsThreadOnThreadlessChannel(t *testing.T) {
	d := Normalize(DeliveryContext{Channel: "whatsapp", To: "+1555", ThreadID: "42"})
	if d.ThreadID != "" {
		t.Errorf("expected thread id dropped for whatsapp, got %q", d.ThreadID)
	}

	d = Normalize(DeliveryContext{Channel: "telegram", To: "123", ThreadID: "42"})
	if d.ThreadID != "42" {
		t.Errorf("expected thread id kept for telegram, got %q", d.ThreadID)
	}
}

func TestNormalizeAccountDefault(t *testing.T) {
	d := Normalize(DeliveryContext{Channel: "Telegram", To: "123"})
	if d.AccountID != "default" {
		t.Errorf("expected default account id, got %q", d.AccountID)
	}
	d = Normalize(DeliveryContext{Channel: "telegram", To: "123", AccountID: "work"})
	if d.AccountID != "work" {
		t.Errorf("expected explicit account id kept, got %q", d.AccountID)
	}
}

func TestMergePrimaryWins(t *testing.T) {
	primary := DeliveryContext{Channel: "telegram", To: "111"}
	fallback := DeliveryContext{Channel: "discord", To: "222", AccountID: "alt", ThreadID: "t9"}

	got := Merge(primary, fallback)
	if got.Channel != "telegram" || got.To != "111" {
		t.Errorf("primary fields should win, got %+v", got)
	}
	if got.AccountID != "alt" {
		t.Errorf("empty account should fill from fallback, got %q", got.AccountID)
	}
	if got.ThreadID != "t9" {
		t.Errorf("empty thread should fill from fallback, got %q", got.ThreadID)
	}
}

func TestMergeNormalizesResult(t *testing.T) {
	got := Merge(
		DeliveryContext{Channel: "WhatsApp"},
		DeliveryContext{To: " +1555 ", ThreadID: "3"},
	)
	if got.Channel != "whatsapp" {
		t.Errorf("expected lowercased channel, got %q", got.Channel)
	}
	if got.To != "+1555" {
		t.Errorf("expected trimmed recipient, got %q", got.To)
	}
	if got.ThreadID != "" {
		t.Errorf("expected thread dropped after merge on threadless channel, got %q", got.ThreadID)
	}
}

func TestFromSessionPrefersLastRoute(t *testing.T) {
	s := sessions.Session{
		LastChannel: "telegram",
		LastTo:      "999",
		DeliveryContext: &sessions.Delivery{
			Channel:  "discord",
			To:       "111",
			ThreadID: "t1",
		},
	}
	got := FromSession(s)
	if got.Channel != "telegram" || got.To != "999" {
		t.Errorf("last route should win, got %+v", got)
	}
	if got.ThreadID != "t1" {
		t.Errorf("persisted thread should fill gap, got %q", got.ThreadID)
	}
}

func TestFromSessionOriginThreadFallback(t *testing.T) {
	s := sessions.Session{
		LastChannel:    "telegram",
		LastTo:         "999",
		OriginThreadID: "origin-7",
	}
	got := FromSession(s)
	if got.ThreadID != "origin-7" {
		t.Errorf("origin thread should be last resort, got %q", got.ThreadID)
	}
}

func TestKeyStableAcrossNormalization(t *testing.T) {
	a := DeliveryContext{Channel: "Telegram", To: " 123 ", ThreadID: "5"}
	b := DeliveryContext{Channel: "telegram", To: "123", AccountID: "default", ThreadID: "5"}
	if a.Key() != b.Key() {
		t.Errorf("equivalent contexts should share a key: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() != "telegram|123|default|5" {
		t.Errorf("unexpected key format: %q", a.Key())
	}
}
