package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/events"
	"github.com/reggie-ai/reggie/pkg/logger"
)

// SocketTransport receives envelopes over Slack Socket Mode.
type SocketTransport struct {
	client *socketmode.Client
	bus    *bus.MessageBus

	envelopes chan envelope.Raw
	done      chan struct{}

	mu      sync.Mutex
	started bool
	status  domain.ConnectionStatus
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// err is why the connection ended on its own, if it did.
	err error
}

// NewSocketTransport creates a Socket Mode transport on top of api, which
// must carry an app-level token.
func NewSocketTransport(api *slack.Client, mb *bus.MessageBus, opts ...socketmode.Option) *SocketTransport {
	return &SocketTransport{
		client:    socketmode.New(api, opts...),
		bus:       mb,
		envelopes: make(chan envelope.Raw),
		done:      make(chan struct{}),
		status:    domain.StatusDisconnected,
	}
}

func (t *SocketTransport) Name() domain.TransportType { return domain.TransportSocket }

// Start opens the websocket and begins pumping envelopes.
func (t *SocketTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return channel.ErrAlreadyStarted
	}
	t.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		if err := t.client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("slack", "Socket Mode connection ended", map[string]interface{}{
				"error": err,
			})
			t.mu.Lock()
			t.err = err
			t.mu.Unlock()
			t.setStatus(domain.StatusError, err.Error())
		}
		cancel()
	}()
	go func() {
		defer t.wg.Done()
		defer close(t.done)
		t.pump(runCtx, t.client.Events)
	}()

	logger.InfoC("slack", "Socket Mode transport starting")
	return nil
}

// pump converts socket events into raw envelopes until ctx is done or the
// event stream closes.
func (t *SocketTransport) pump(ctx context.Context, evts <-chan socketmode.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-evts:
			if !ok {
				return
			}
			t.observe(evt)

			raw, ok := rawFromEvent(evt)
			if !ok {
				continue
			}
			select {
			case t.envelopes <- raw:
			case <-ctx.Done():
				// The envelope was never handed over; Slack redelivers it.
				return
			}
		}
	}
}

// observe tracks connection state changes.
func (t *SocketTransport) observe(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		t.setStatus(domain.StatusConnecting, "")
	case socketmode.EventTypeConnected:
		t.setStatus(domain.StatusConnected, "")
	case socketmode.EventTypeConnectionError:
		t.setStatus(domain.StatusError, "connection error")
	case socketmode.EventTypeDisconnect:
		t.setStatus(domain.StatusDisconnected, "")
	case socketmode.EventTypeInvalidAuth:
		t.setStatus(domain.StatusError, "invalid auth")
	}
}

func (t *SocketTransport) setStatus(status domain.ConnectionStatus, detail string) {
	t.mu.Lock()
	changed := t.status != status
	t.status = status
	t.mu.Unlock()
	if !changed {
		return
	}

	logger.InfoCF("slack", "Connection status changed", map[string]interface{}{
		"status": status,
		"detail": detail,
	})

	eventType := events.TransportConnected
	switch status {
	case domain.StatusDisconnected:
		eventType = events.TransportDisconnected
	case domain.StatusError:
		eventType = events.TransportError
	case domain.StatusConnecting:
		return
	}
	t.bus.PublishSystem(events.New(eventType, "slack", events.TransportEventData{
		Transport: domain.TransportSocket.String(),
		Status:    status.String(),
		Error:     detail,
	}))
}

// Status returns the current connection status.
func (t *SocketTransport) Status() domain.ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// rawFromEvent returns the envelope carried by a socket event. Connection
// lifecycle events carry none.
func rawFromEvent(evt socketmode.Event) (envelope.Raw, bool) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI, socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
	default:
		return envelope.Raw{}, false
	}
	if evt.Request == nil {
		return envelope.Raw{}, false
	}
	return envelope.Raw{
		Type:         evt.Request.Type,
		EnvelopeID:   evt.Request.EnvelopeID,
		Payload:      evt.Request.Payload,
		RetryAttempt: evt.Request.RetryAttempt,
	}, true
}

// Next returns the next envelope. Once the connection is gone it returns
// ErrTransportFailed with the cause when Socket Mode gave up on its own, and
// ErrTransportClosed after Stop.
func (t *SocketTransport) Next(ctx context.Context) (envelope.Raw, error) {
	select {
	case raw := <-t.envelopes:
		return raw, nil
	case <-t.done:
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		if err != nil {
			return envelope.Raw{}, fmt.Errorf("%w: %w", channel.ErrTransportFailed, err)
		}
		return envelope.Raw{}, channel.ErrTransportClosed
	case <-ctx.Done():
		return envelope.Raw{}, ctx.Err()
	}
}

// Ack sends the acknowledgment frame for envelopeID.
func (t *SocketTransport) Ack(ctx context.Context, envelopeID string) error {
	return t.client.AckCtx(ctx, envelopeID, nil)
}

// Stop closes the connection and waits for the pump to exit.
func (t *SocketTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return channel.ErrNotStarted
	}
	cancel := t.cancel
	t.mu.Unlock()

	cancel()

	stopped := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		logger.InfoC("slack", "Socket Mode transport stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ channel.Transport = (*SocketTransport)(nil)
