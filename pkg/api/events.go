// Event bridge, wires the message bus into the WebSocket hub. Every accepted
// envelope, posted reply and gateway event fans out to all connected
// WebSocket clients via bus tap subscriptions.
package api

import (
	"context"
	"unicode/utf8"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/events"
	"github.com/reggie-ai/reggie/pkg/logger"
)

const previewLen = 200

// EventBridge connects the message bus to the WebSocket hub for live updates.
type EventBridge struct {
	bus *bus.MessageBus
	hub *WSHub
}

// NewEventBridge creates a bridge that forwards bus events to WebSocket clients.
func NewEventBridge(mb *bus.MessageBus, hub *WSHub) *EventBridge {
	return &EventBridge{bus: mb, hub: hub}
}

// Run subscribes to the bus taps and forwards them until ctx is cancelled
// or the bus closes. It returns immediately.
func (eb *EventBridge) Run(ctx context.Context) {
	logger.InfoC("events", "Event bridge started")

	inboundTap := eb.bus.SubscribeInboundTap("event-bridge")
	outboundTap := eb.bus.SubscribeOutboundTap("event-bridge")
	systemTap := eb.bus.SubscribeSystem("event-bridge")

	go eb.forward(ctx, inboundTap, eb.inbound)
	go eb.forward(ctx, outboundTap, eb.outbound)
	go eb.forward(ctx, systemTap, eb.system)
}

func (eb *EventBridge) forward(ctx context.Context, tap <-chan interface{}, emit func(interface{})) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			emit(raw)
		}
	}
}

func (eb *EventBridge) inbound(raw interface{}) {
	msg, ok := raw.(bus.InboundMessage)
	if !ok {
		return
	}
	eb.hub.Broadcast("message.inbound", map[string]interface{}{
		"envelope_id": msg.EnvelopeID,
		"category":    msg.Category,
		"tenant_id":   msg.TenantID,
		"chat_id":     msg.ChatID,
		"sender_id":   msg.SenderID,
		"content":     truncate(msg.Content, previewLen),
	})
}

func (eb *EventBridge) outbound(raw interface{}) {
	msg, ok := raw.(bus.OutboundMessage)
	if !ok {
		return
	}
	eb.hub.Broadcast("message.outbound", map[string]interface{}{
		"envelope_id": msg.EnvelopeID,
		"chat_id":     msg.ChatID,
		"thread_ts":   msg.ThreadTS,
		"content":     truncate(msg.Content, previewLen),
		"fallback":    msg.Fallback,
	})
}

func (eb *EventBridge) system(raw interface{}) {
	if evt, ok := raw.(events.Event); ok {
		eb.hub.Broadcast(evt.Type, evt.Data)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
