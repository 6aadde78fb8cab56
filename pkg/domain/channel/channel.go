// Package channel defines the messaging-side ports of the gateway: the
// transport that delivers and acknowledges envelopes, the poster that sends
// replies, and the access control list consulted before any handler runs.
package channel

import (
	"context"
	"strings"

	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
)

// ---------------------------------------------------------------------------
// Access control
// ---------------------------------------------------------------------------

// AccessControlList is the tenant allow-list. It is built once at startup and
// only read afterwards, so it needs no locking.
type AccessControlList struct {
	allowed map[string]struct{}
}

// NewAccessControlList creates an ACL from a list of tenant ids. Blank entries
// are ignored.
func NewAccessControlList(allowList []string) AccessControlList {
	allowed := make(map[string]struct{}, len(allowList))
	for _, id := range allowList {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		allowed[id] = struct{}{}
	}
	return AccessControlList{allowed: allowed}
}

// IsAllowed returns true only if the tenant is on the allow list. An empty
// list allows nobody.
func (acl AccessControlList) IsAllowed(tenantID string) bool {
	if tenantID == "" {
		return false
	}
	_, ok := acl.allowed[tenantID]
	return ok
}

// Len returns the number of allowed tenants.
func (acl AccessControlList) Len() int { return len(acl.allowed) }

// Gate is the authorization check the dispatcher consults.
type Gate interface {
	IsAllowed(tenantID string) bool
}

var _ Gate = AccessControlList{}

// ---------------------------------------------------------------------------
// Message value object
// ---------------------------------------------------------------------------

// Message is an outbound reply. It is a value object, immutable once created.
type Message struct {
	ChatID   string `json:"chat_id"`
	Content  string `json:"content"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// NewMessage creates an outbound message to a channel or user id.
func NewMessage(chatID, content string) Message {
	return Message{ChatID: chatID, Content: content}
}

// InThread returns a copy of the message addressed to a thread.
func (m Message) InThread(threadTS string) Message {
	m.ThreadTS = threadTS
	return m
}

// ---------------------------------------------------------------------------
// Ports
// ---------------------------------------------------------------------------

// Transport delivers envelopes and accepts acknowledgments for them.
type Transport interface {
	// Name identifies the transport in logs and status output.
	Name() domain.TransportType
	// Start opens the underlying connection. It returns once the transport
	// is ready to deliver.
	Start(ctx context.Context) error
	// Next blocks until an envelope arrives. It returns ErrTransportClosed
	// once the transport has been stopped, ErrTransportFailed when the
	// connection was lost for good, or ctx.Err() when ctx is done.
	Next(ctx context.Context) (envelope.Raw, error)
	// Ack sends the acknowledgment for one envelope.
	Ack(ctx context.Context, envelopeID string) error
	// Stop closes the connection.
	Stop(ctx context.Context) error
}

// Poster delivers outbound messages.
type Poster interface {
	Post(ctx context.Context, msg Message) error
}

// Reactor adds an emoji reaction to a message. Posters that support it
// implement this as well.
type Reactor interface {
	React(ctx context.Context, chatID, messageTS, name string) error
}

// Identity is what the platform reports about the gateway's own bot user.
type Identity struct {
	UserID string
	BotID  string
	TeamID string
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

// ChannelError is a typed error for the channel domain.
type ChannelError string

func (e ChannelError) Error() string { return string(e) }

const (
	ErrTransportClosed  ChannelError = "transport closed"
	ErrTransportFailed  ChannelError = "transport connection failed"
	ErrNotStarted       ChannelError = "transport not started"
	ErrAlreadyStarted   ChannelError = "transport already started"
	ErrEmptyDestination ChannelError = "message destination is empty"
	ErrUnknownEnvelope  ChannelError = "no pending envelope with that id"
)
