// Package outbox publishes agent replies as chat events for connector
// processes to deliver.
package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KyouP/llm-ron-bot/internal/bus"
	"github.com/KyouP/llm-ron-bot/internal/channels"
	"github.com/KyouP/llm-ron-bot/internal/routing"
	"github.com/KyouP/llm-ron-bot/pkg/protocol"
)

// OutboundMessage is the payload broadcast for each delivered message.
// Connector processes subscribed over the WebSocket relay these to the
// actual chat platforms.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	To        string `json:"to"`
	AccountID string `json:"accountId"`
	ThreadID  string `json:"threadId,omitempty"`
	Text      string `json:"text"`
}

// Outbox delivers agent replies by publishing chat events on the bus.
type Outbox struct {
	events bus.EventPublisher
	logger *slog.Logger
}

func New(events bus.EventPublisher, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{events: events, logger: logger}
}

// Send publishes the message for the destination channel. The destination
// must name a known channel and a recipient.
func (o *Outbox) Send(ctx context.Context, dest routing.DeliveryContext, text string) error {
	norm := routing.Normalize(dest)
	if _, ok := channels.Lookup(norm.Channel); !ok {
		return fmt.Errorf("unknown channel %q", dest.Channel)
	}
	if norm.To == "" {
		return fmt.Errorf("missing recipient for channel %q", norm.Channel)
	}
	o.events.Broadcast(bus.Event{
		Name: protocol.EventChat,
		Payload: OutboundMessage{
			Channel:   norm.Channel,
			To:        norm.To,
			AccountID: norm.AccountID,
			ThreadID:  norm.ThreadID,
			Text:      text,
		},
	})
	o.logger.Debug("outbound message published",
		"channel", norm.Channel, "to", norm.To, "threadId", norm.ThreadID)
	return nil
}
