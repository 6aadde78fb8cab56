package bus

// InboundMessage summarizes an envelope accepted for handling.
type InboundMessage struct {
	EnvelopeID string `json:"envelope_id"`
	Category   string `json:"category"`
	TenantID   string `json:"tenant_id,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	Content    string `json:"content,omitempty"`
}

// OutboundMessage is a reply the gateway posted (or tried to post).
type OutboundMessage struct {
	EnvelopeID string `json:"envelope_id"`
	ChatID     string `json:"chat_id"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	Content    string `json:"content"`
	Fallback   bool   `json:"fallback,omitempty"`
}
