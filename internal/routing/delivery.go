package routing

import (
	"strings"

	"github.com/KyouP/llm-ron-bot/internal/channels"
	"github.com/KyouP/llm-ron-bot/internal/sessions"
)

// DeliveryContext describes where a message should be sent: which channel,
// which conversation, through which account, and optionally which thread.
type DeliveryContext struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Normalize canonicalizes a delivery context: the channel name is
// lowercased, whitespace is trimmed everywhere, the account id falls back
// to the channel default, and the thread id is dropped on channels that
// cannot address threads. Normalizing twice yields the same result.
func Normalize(d DeliveryContext) DeliveryContext {
	out := DeliveryContext{
		Channel:  channels.Normalize(d.Channel),
		To:       strings.TrimSpace(d.To),
		ThreadID: strings.TrimSpace(d.ThreadID),
	}
	out.AccountID = channels.NormalizeAccountID(out.Channel, d.AccountID)
	if out.ThreadID != "" && !channels.SupportsThread(out.Channel) {
		out.ThreadID = ""
	}
	return out
}

// Merge fills the empty fields of primary from fallback and normalizes
// the result. Primary fields always win when both are set.
func Merge(primary, fallback DeliveryContext) DeliveryContext {
	out := primary
	if strings.TrimSpace(out.Channel) == "" {
		out.Channel = fallback.Channel
	}
	if strings.TrimSpace(out.To) == "" {
		out.To = fallback.To
	}
	if strings.TrimSpace(out.AccountID) == "" {
		out.AccountID = fallback.AccountID
	}
	if strings.TrimSpace(out.ThreadID) == "" {
		out.ThreadID = fallback.ThreadID
	}
	return Normalize(out)
}

// FromSession derives the delivery context for a session entry. The most
// recent inbound route wins; the persisted delivery context fills in any
// gaps, and the origin thread id is the last resort for the thread.
func FromSession(s sessions.Session) DeliveryContext {
	last := DeliveryContext{
		Channel:   s.LastChannel,
		To:        s.LastTo,
		AccountID: s.LastAccountID,
		ThreadID:  s.LastThreadID,
	}
	var persisted DeliveryContext
	if s.DeliveryContext != nil {
		persisted = DeliveryContext{
			Channel:   s.DeliveryContext.Channel,
			To:        s.DeliveryContext.To,
			AccountID: s.DeliveryContext.AccountID,
			ThreadID:  s.DeliveryContext.ThreadID,
		}
	}
	merged := Merge(last, persisted)
	if merged.ThreadID == "" && s.OriginThreadID != "" {
		merged.ThreadID = strings.TrimSpace(s.OriginThreadID)
		merged = Normalize(merged)
	}
	return merged
}

// Key returns a stable identity string for grouping deliveries that
// target the same place.
func (d DeliveryContext) Key() string {
	n := Normalize(d)
	return n.Channel + "|" + n.To + "|" + n.AccountID + "|" + n.ThreadID
}

// IsRoutable reports whether the context names a concrete destination.
func (d DeliveryContext) IsRoutable() bool {
	n := Normalize(d)
	return n.Channel != "" && n.To != ""
}
