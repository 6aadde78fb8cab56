package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func signedRequest(t *testing.T, path, contentType, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte("v0:" + ts + ":" + body))

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func startedHTTPTransport(t *testing.T, opts ...HTTPOption) *HTTPTransport {
	t.Helper()
	tr := NewHTTPTransport(testSecret, bus.NewMessageBus(), opts...)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

// serve runs h in the background and returns the recorder once it answers.
func serve(h http.Handler, req *http.Request) <-chan *httptest.ResponseRecorder {
	out := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		out <- rec
	}()
	return out
}

func TestHTTPTransportEventRoundTrip(t *testing.T) {
	tr := startedHTTPTransport(t, WithMaxWait(5*time.Second))

	body := `{"type":"event_callback","team_id":"T1","event_id":"Ev1","event":{"type":"app_mention","user":"U1","text":"<@B1> hi","channel":"C1","ts":"1700.1"}}`
	req := signedRequest(t, "/slack/events", "application/json", body)
	req.Header.Set("X-Slack-Retry-Num", "2")
	answered := serve(tr.EventsHandler(), req)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := tr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "events_api", raw.Type)
	assert.NotEmpty(t, raw.EnvelopeID)
	assert.Equal(t, 2, raw.RetryAttempt)

	env := envelope.Classify(raw)
	assert.Equal(t, "T1", env.TenantID)
	assert.Equal(t, "Ev1", env.DedupeKey())

	select {
	case <-answered:
		t.Fatal("request answered before acknowledgment")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tr.Ack(ctx, raw.EnvelopeID))
	select {
	case rec := <-answered:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("request not answered after acknowledgment")
	}

	err = tr.Ack(ctx, raw.EnvelopeID)
	assert.True(t, errors.Is(err, channel.ErrUnknownEnvelope))
}

func TestHTTPTransportCommand(t *testing.T) {
	tr := startedHTTPTransport(t, WithMaxWait(5*time.Second))

	form := url.Values{
		"command":    {"/indo"},
		"text":       {"good morning"},
		"user_id":    {"U2"},
		"channel_id": {"C2"},
		"team_id":    {"T1"},
	}
	req := signedRequest(t, "/slack/commands", "application/x-www-form-urlencoded", form.Encode())
	answered := serve(tr.CommandsHandler(), req)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := tr.Next(ctx)
	require.NoError(t, err)

	env := envelope.Classify(raw)
	require.Equal(t, envelope.CategoryCommand, env.Category)
	cmd, ok := env.Payload.(envelope.SlashCommand)
	require.True(t, ok)
	assert.Equal(t, "/indo", cmd.Command)
	assert.Equal(t, "good morning", cmd.Text)
	assert.Equal(t, "U2", cmd.UserID)
	assert.Equal(t, "C2", cmd.ChannelID)
	assert.Equal(t, "T1", env.TenantID)

	require.NoError(t, tr.Ack(ctx, raw.EnvelopeID))
	rec := <-answered
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPTransportURLVerification(t *testing.T) {
	tr := startedHTTPTransport(t)

	req := signedRequest(t, "/slack/events", "application/json", `{"type":"url_verification","token":"x","challenge":"3eZbrw1aB"}`)
	rec := httptest.NewRecorder()
	tr.EventsHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3eZbrw1aB", rec.Body.String())
}

func TestHTTPTransportRejects(t *testing.T) {
	tr := startedHTTPTransport(t)

	t.Run("bad signature", func(t *testing.T) {
		req := signedRequest(t, "/slack/events", "application/json", `{"type":"event_callback"}`)
		req.Header.Set("X-Slack-Signature", "v0=deadbeef")
		rec := httptest.NewRecorder()
		tr.EventsHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing signature headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		tr.EventsHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/slack/events", nil)
		rec := httptest.NewRecorder()
		tr.EventsHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("not an object", func(t *testing.T) {
		req := signedRequest(t, "/slack/events", "application/json", `["x"]`)
		rec := httptest.NewRecorder()
		tr.EventsHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHTTPTransportAnswersAfterMaxWait(t *testing.T) {
	tr := startedHTTPTransport(t, WithMaxWait(100*time.Millisecond))

	req := signedRequest(t, "/slack/events", "application/json", `{"type":"event_callback","team_id":"T1","event":{}}`)
	answered := serve(tr.EventsHandler(), req)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := tr.Next(ctx)
	require.NoError(t, err)

	rec := <-answered
	assert.Equal(t, http.StatusOK, rec.Code)
	// The late ack still finds its envelope.
	assert.NoError(t, tr.Ack(ctx, raw.EnvelopeID))
}

func TestHTTPTransportNotStarted(t *testing.T) {
	tr := NewHTTPTransport(testSecret, bus.NewMessageBus())
	assert.Equal(t, domain.StatusDisconnected, tr.Status())

	req := signedRequest(t, "/slack/events", "application/json", `{"type":"event_callback","event":{}}`)
	rec := httptest.NewRecorder()
	tr.EventsHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.True(t, errors.Is(tr.Stop(context.Background()), channel.ErrNotStarted))
}

func TestHTTPTransportStopEndsNext(t *testing.T) {
	tr := NewHTTPTransport(testSecret, bus.NewMessageBus())
	require.NoError(t, tr.Start(context.Background()))
	assert.Equal(t, domain.StatusConnected, tr.Status())

	require.NoError(t, tr.Stop(context.Background()))
	require.NoError(t, tr.Stop(context.Background()))
	assert.Equal(t, domain.StatusDisconnected, tr.Status())

	_, err := tr.Next(context.Background())
	assert.True(t, errors.Is(err, channel.ErrTransportClosed))
}

func TestHTTPTransportQueuesWhileBusy(t *testing.T) {
	tr := startedHTTPTransport(t, WithMaxWait(100*time.Millisecond))

	first := serve(tr.EventsHandler(), signedRequest(t, "/slack/events", "application/json", `{"type":"event_callback","team_id":"T1","event_id":"Ev1","event":{}}`))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw1, err := tr.Next(ctx)
	require.NoError(t, err)

	// The dispatcher is busy with the first envelope while the second arrives.
	second := serve(tr.EventsHandler(), signedRequest(t, "/slack/events", "application/json", `{"type":"event_callback","team_id":"T1","event_id":"Ev2","event":{}}`))
	assert.Equal(t, http.StatusOK, (<-second).Code)
	assert.Equal(t, http.StatusOK, (<-first).Code)

	require.NoError(t, tr.Ack(ctx, raw1.EnvelopeID))
	raw2, err := tr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ev2", envelope.Classify(raw2).DedupeKey())
	assert.NoError(t, tr.Ack(ctx, raw2.EnvelopeID))
}

func TestHTTPTransportFullQueueIsBusy(t *testing.T) {
	tr := startedHTTPTransport(t, WithMaxWait(50*time.Millisecond), WithQueueSize(0))

	rec := httptest.NewRecorder()
	tr.EventsHandler().ServeHTTP(rec, signedRequest(t, "/slack/events", "application/json", `{"type":"event_callback","event":{}}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPTransportStopWithdrawsQueued(t *testing.T) {
	tr := NewHTTPTransport(testSecret, bus.NewMessageBus(), WithMaxWait(5*time.Second))
	require.NoError(t, tr.Start(context.Background()))

	answered := serve(tr.EventsHandler(), signedRequest(t, "/slack/events", "application/json", `{"type":"event_callback","event":{}}`))
	require.Eventually(t, func() bool { return len(tr.envelopes) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Stop(context.Background()))
	select {
	case rec := <-answered:
		// Not yet taken by the dispatcher, so Slack is asked to retry.
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request not answered on stop")
	}

	// The withdrawn envelope is never handed out.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Next(ctx)
	assert.Error(t, err)
}
