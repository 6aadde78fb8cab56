// Package envelope defines the unit the transport delivers to the gateway:
// one envelope in, exactly one acknowledgment out.
package envelope

import (
	"encoding/json"
	"time"
)

// Category is the routing class of an envelope, derived from the transport's
// type discriminator.
type Category string

const (
	CategoryMessageEvent Category = "events_api"
	CategoryCommand      Category = "slash_commands"
	CategoryInteractive  Category = "interactive"
	CategoryUnknown      Category = "unknown"
)

func (c Category) String() string { return string(c) }

// Event subtypes the gateway routes on.
const (
	SubtypeAppMention = "app_mention"
	SubtypeMessage    = "message"

	ChannelTypeIM = "im"
)

// Raw is the envelope exactly as the transport delivered it.
type Raw struct {
	Type         string          `json:"type"`
	EnvelopeID   string          `json:"envelope_id"`
	Payload      json.RawMessage `json:"payload"`
	RetryAttempt int             `json:"retry_attempt,omitempty"`
}

// Envelope is the classified, immutable form of a Raw envelope.
type Envelope struct {
	ID           string
	EventID      string
	Category     Category
	Type         string
	TenantID     string
	RetryAttempt int
	ReceivedAt   time.Time

	// Malformed is set when the payload is not a JSON object. Such envelopes
	// are acknowledged without invoking any handler.
	Malformed bool

	Payload Payload
}

// DedupeKey identifies the delivery for redelivery detection. Slack retries
// an event under a new envelope id but keeps its event_id.
func (e Envelope) DedupeKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.ID
}

// Payload is the category-specific variant carried by an Envelope. The set of
// implementations is closed: MessageEvent, SlashCommand, InteractiveAction, Unknown.
type Payload interface {
	category() Category
}

// MessageEvent is the events_api variant.
type MessageEvent struct {
	// Subtype is event.type, e.g. "app_mention" or "message".
	Subtype        string
	ChannelType    string
	User           string
	Text           string
	Channel        string
	TS             string
	ThreadTS       string
	MessageSubtype string

	// BotUserID is the gateway's own user id from authorizations[0].user_id.
	BotUserID string
	// SenderBotID is event.bot_id, set when a bot authored the message.
	SenderBotID string
}

func (MessageEvent) category() Category { return CategoryMessageEvent }

// Valid reports whether the fields a mention reply needs are all present.
func (m MessageEvent) Valid() bool {
	return m.Text != "" && m.Channel != "" && m.User != ""
}

// SlashCommand is the slash_commands variant.
type SlashCommand struct {
	Command     string
	Text        string
	UserID      string
	ChannelID   string
	ResponseURL string
	TriggerID   string
}

func (SlashCommand) category() Category { return CategoryCommand }

// InteractiveAction is the interactive variant. The gateway acknowledges it
// without further handling.
type InteractiveAction struct {
	Kind      string
	UserID    string
	ChannelID string
	ActionIDs []string
}

func (InteractiveAction) category() Category { return CategoryInteractive }

// Unknown carries an envelope whose discriminator the gateway does not route.
type Unknown struct {
	Type string
}

func (Unknown) category() Category { return CategoryUnknown }

// EnvelopeError is a typed error for the envelope domain.
type EnvelopeError string

func (e EnvelopeError) Error() string { return string(e) }

const (
	ErrInvalidTransition   EnvelopeError = "invalid envelope state transition"
	ErrAlreadyAcknowledged EnvelopeError = "envelope already acknowledged"
)
