package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/tidwall/gjson"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/events"
	"github.com/reggie-ai/reggie/pkg/logger"
)

const (
	maxRequestBody = 1 << 20
	// Slack retries a request that is not answered within three seconds.
	defaultMaxWait   = 2500 * time.Millisecond
	defaultQueueSize = 64
)

// HTTPTransport receives envelopes from the Slack Events API and slash
// command webhooks. The HTTP response is the acknowledgment: a request is
// held open until the dispatcher acks its envelope or MaxWait passes.
// Accepted envelopes wait in a bounded queue, so a busy dispatcher delays
// them instead of refusing them.
type HTTPTransport struct {
	secret    string
	maxWait   time.Duration
	queueSize int
	bus       *bus.MessageBus

	envelopes chan envelope.Raw
	done      chan struct{}
	stopOnce  sync.Once

	mu      sync.Mutex
	started bool
	pending map[string]*pendingRequest
}

// pendingRequest is an accepted envelope whose acknowledgment is outstanding.
type pendingRequest struct {
	acked chan struct{}
	// taken is set once Next has handed the envelope to the dispatcher.
	taken bool
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithMaxWait bounds how long a request waits for its acknowledgment.
func WithMaxWait(d time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.maxWait = d
		}
	}
}

// WithQueueSize sets how many accepted envelopes may wait for the
// dispatcher. A request that finds the queue full for MaxWait gets 503.
func WithQueueSize(n int) HTTPOption {
	return func(t *HTTPTransport) {
		if n >= 0 {
			t.queueSize = n
		}
	}
}

// NewHTTPTransport creates a transport that verifies requests with the app's
// signing secret.
func NewHTTPTransport(signingSecret string, mb *bus.MessageBus, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		secret:    signingSecret,
		maxWait:   defaultMaxWait,
		queueSize: defaultQueueSize,
		bus:       mb,
		done:      make(chan struct{}),
		pending:   make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.envelopes = make(chan envelope.Raw, t.queueSize)
	return t
}

func (t *HTTPTransport) Name() domain.TransportType { return domain.TransportHTTP }

// Start marks the transport ready. Requests arriving before Start are
// refused with 503 so Slack retries them.
func (t *HTTPTransport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return channel.ErrAlreadyStarted
	}
	t.started = true
	t.bus.PublishSystem(events.New(events.TransportConnected, "slack", events.TransportEventData{
		Transport: domain.TransportHTTP.String(),
		Status:    domain.StatusConnected.String(),
	}))
	logger.InfoC("slack", "HTTP Events API transport ready")
	return nil
}

// Status reports connected between Start and Stop.
func (t *HTTPTransport) Status() domain.ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return domain.StatusDisconnected
	default:
	}
	if !t.started {
		return domain.StatusDisconnected
	}
	return domain.StatusConnected
}

// Next returns the oldest queued envelope. Envelopes whose request was
// withdrawn while queued are skipped.
func (t *HTTPTransport) Next(ctx context.Context) (envelope.Raw, error) {
	for {
		select {
		case raw := <-t.envelopes:
			if t.take(raw.EnvelopeID) {
				return raw, nil
			}
		case <-t.done:
			return envelope.Raw{}, channel.ErrTransportClosed
		case <-ctx.Done():
			return envelope.Raw{}, ctx.Err()
		}
	}
}

// Ack releases the request waiting on envelopeID.
func (t *HTTPTransport) Ack(_ context.Context, envelopeID string) error {
	t.mu.Lock()
	p, ok := t.pending[envelopeID]
	delete(t.pending, envelopeID)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", channel.ErrUnknownEnvelope, envelopeID)
	}
	close(p.acked)
	return nil
}

func (t *HTTPTransport) take(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return false
	}
	p.taken = true
	return true
}

// withdraw drops a queued envelope the dispatcher has not taken yet.
func (t *HTTPTransport) withdraw(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok || p.taken {
		return false
	}
	delete(t.pending, id)
	return true
}

// Stop refuses further requests and ends Next.
func (t *HTTPTransport) Stop(context.Context) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return channel.ErrNotStarted
	}
	t.stopOnce.Do(func() {
		close(t.done)
		t.bus.PublishSystem(events.New(events.TransportDisconnected, "slack", events.TransportEventData{
			Transport: domain.TransportHTTP.String(),
			Status:    domain.StatusDisconnected.String(),
		}))
		logger.InfoC("slack", "HTTP Events API transport stopped")
	})
	return nil
}

// EventsHandler serves POST /slack/events.
func (t *HTTPTransport) EventsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := t.verified(w, r)
		if !ok {
			return
		}

		doc := gjson.ParseBytes(body)
		if !doc.IsObject() {
			http.Error(w, "payload is not a JSON object", http.StatusBadRequest)
			return
		}
		if doc.Get("type").String() == slackevents.URLVerification {
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, doc.Get("challenge").String())
			return
		}

		t.deliver(w, r, envelope.Raw{
			Type:         "events_api",
			EnvelopeID:   domain.NewID().String(),
			Payload:      json.RawMessage(body),
			RetryAttempt: retryAttempt(r),
		})
	})
}

// CommandsHandler serves POST /slack/commands.
func (t *HTTPTransport) CommandsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := t.verified(w, r)
		if !ok {
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		cmd, err := slack.SlashCommandParse(r)
		if err != nil {
			http.Error(w, "invalid slash command form", http.StatusBadRequest)
			return
		}
		payload, err := json.Marshal(cmd)
		if err != nil {
			http.Error(w, "encode slash command", http.StatusInternalServerError)
			return
		}

		t.deliver(w, r, envelope.Raw{
			Type:       "slash_commands",
			EnvelopeID: domain.NewID().String(),
			Payload:    payload,
		})
	})
}

// verified reads the body and checks the v0 request signature. It writes the
// error response itself when it returns false.
func (t *HTTPTransport) verified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, false
	}

	sv, err := slack.NewSecretsVerifier(r.Header, t.secret)
	if err == nil {
		_, _ = sv.Write(body)
		err = sv.Ensure()
	}
	if err != nil {
		logger.WarnCF("slack", "Rejected unsigned request", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err,
		})
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

// deliver queues raw for the dispatcher and answers once it is acknowledged
// or MaxWait passes.
func (t *HTTPTransport) deliver(w http.ResponseWriter, r *http.Request, raw envelope.Raw) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	p := &pendingRequest{acked: make(chan struct{})}
	t.pending[raw.EnvelopeID] = p
	t.mu.Unlock()

	timer := time.NewTimer(t.maxWait)
	defer timer.Stop()

	select {
	case t.envelopes <- raw:
	case <-timer.C:
		t.forget(raw.EnvelopeID)
		logger.WarnCF("slack", "Intake queue full", map[string]interface{}{
			"envelope_id": raw.EnvelopeID,
			"queue_size":  t.queueSize,
		})
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	case <-t.done:
		t.forget(raw.EnvelopeID)
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		t.forget(raw.EnvelopeID)
		return
	}

	done := t.done
	for {
		select {
		case <-p.acked:
		case <-timer.C:
			// The envelope stays queued or in flight; answering now keeps Slack
			// from retrying, and the late ack closes the channel with nobody
			// waiting.
			logger.WarnCF("slack", "Answered before acknowledgment", map[string]interface{}{
				"envelope_id": raw.EnvelopeID,
				"max_wait":    t.maxWait.String(),
			})
		case <-done:
			if t.withdraw(raw.EnvelopeID) {
				http.Error(w, "shutting down", http.StatusServiceUnavailable)
				return
			}
			// Already with the dispatcher, which acks it while draining.
			done = nil
			continue
		case <-r.Context().Done():
			t.withdraw(raw.EnvelopeID)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
}

func (t *HTTPTransport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func retryAttempt(r *http.Request) int {
	n, err := strconv.Atoi(r.Header.Get("X-Slack-Retry-Num"))
	if err != nil {
		return 0
	}
	return n
}

var _ channel.Transport = (*HTTPTransport)(nil)
