// Package events defines the typed event contracts for the gateway.
// Every event flowing through the bus or the WebSocket stream uses one of
// these types. No ad-hoc map[string]interface{} events.
package events

import "time"

// --- Event Envelope ---

// Event is the universal envelope for all gateway events.
type Event struct {
	// Type identifies the event (e.g., "envelope.acknowledged")
	Type string `json:"type"`

	// Source identifies who emitted the event
	Source string `json:"source"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// --- Event Type Constants ---

const (
	// Envelope lifecycle events
	EnvelopeReceived     = "envelope.received"
	EnvelopeDispatched   = "envelope.dispatched"
	EnvelopeAcknowledged = "envelope.acknowledged"
	EnvelopeAckFailed    = "envelope.ack_failed"
	EnvelopeDenied       = "envelope.denied"
	EnvelopeDuplicate    = "envelope.duplicate"
	EnvelopeDropped      = "envelope.dropped"

	// Reply events
	ReplyPosted   = "reply.posted"
	ReplyFallback = "reply.fallback"
	ReplyFailed   = "reply.failed"

	// Responder events
	ResponderError = "responder.error"

	// Transport events
	TransportConnected    = "transport.connected"
	TransportDisconnected = "transport.disconnected"
	TransportError        = "transport.error"

	// Ledger events
	LedgerPruned = "ledger.pruned"

	// System events
	SystemStarted  = "system.started"
	SystemStopping = "system.stopping"
	SystemHealth   = "system.health"
)

// --- Typed Payloads ---

// EnvelopeEventData is the payload for envelope lifecycle events.
type EnvelopeEventData struct {
	EnvelopeID string `json:"envelope_id"`
	Category   string `json:"category"`
	TenantID   string `json:"tenant_id,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ReplyEventData is the payload for reply events.
type ReplyEventData struct {
	EnvelopeID string `json:"envelope_id"`
	Channel    string `json:"channel"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	Preview    string `json:"preview"` // truncated content
	Error      string `json:"error,omitempty"`
}

// TransportEventData is the payload for transport connection events.
type TransportEventData struct {
	Transport string `json:"transport"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// LedgerEventData is the payload for ledger maintenance events.
type LedgerEventData struct {
	Backend string `json:"backend"`
	Removed int64  `json:"removed"`
}

// SystemEventData is the payload for system health events.
type SystemEventData struct {
	Uptime    int64  `json:"uptime_seconds,omitempty"`
	Transport string `json:"transport,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Message   string `json:"message,omitempty"`
}
