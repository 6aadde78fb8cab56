package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/events"
)

func TestMentionReply(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), helloMention("E1"))

	assert.Equal(t, OutcomeReplied, res.Outcome)
	assert.Equal(t, []string{"hello"}, h.responder.calls())

	posts := h.poster.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, "C1", posts[0].ChatID)
	assert.Contains(t, posts[0].Content, ">From: <@U1>")
	assert.Contains(t, posts[0].Content, "hello")
	assert.Contains(t, posts[0].Content, "```\nHi there\n```")
	assert.NotContains(t, posts[0].Content, "<@B1>")

	assert.Equal(t, []string{"E1"}, h.transport.ackedIDs())
}

func TestCommandTranslation(t *testing.T) {
	h := newHarness()
	h.responder.reply = "selamat pagi"
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), commandRaw("E2", "/indo", "good morning", "U2", "C2"))

	assert.Equal(t, OutcomeReplied, res.Outcome)
	assert.Equal(t, []string{"Translate this message to Indonesian: good morning"}, h.responder.calls())

	posts := h.poster.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, "C2", posts[0].ChatID)
	assert.Contains(t, posts[0].Content, "<@U2>")
	assert.Contains(t, posts[0].Content, ">good morning")
	assert.Contains(t, posts[0].Content, "selamat pagi")
	assert.Equal(t, []string{"E2"}, h.transport.ackedIDs())
}

func TestMentionResponderFails(t *testing.T) {
	h := newHarness()
	h.responder.err = errBoom
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), helloMention("E3"))

	assert.Equal(t, OutcomeFallback, res.Outcome)
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureResponder, res.Failure.Kind)
	assert.ErrorIs(t, res.Failure, errBoom)

	posts := h.poster.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, "C1", posts[0].ChatID)
	assert.Equal(t, MentionFallback, posts[0].Content)
	assert.Equal(t, []string{"E3"}, h.transport.ackedIDs())
}

func TestUnrecognizedCommandIsIgnored(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), commandRaw("E4", "/help", "", "U2", "C2"))

	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, h.poster.sent())
	assert.Empty(t, h.responder.calls())
	assert.Equal(t, []string{"E4"}, h.transport.ackedIDs())
}

func TestCommandResponderFails(t *testing.T) {
	h := newHarness()
	h.responder.err = errBoom
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), commandRaw("E5", "/indo", "good night", "U2", "C2"))

	assert.Equal(t, OutcomeFallback, res.Outcome)
	posts := h.poster.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, "C2", posts[0].ChatID)
	assert.Equal(t, TranslationFallback, posts[0].Content)
	assert.NotContains(t, posts[0].Content, errBoom.Error())
}

func TestCommandWithoutText(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), commandRaw("E6", "/indo", "   ", "U2", "C2"))

	assert.Equal(t, OutcomeUsage, res.Outcome)
	assert.Empty(t, h.responder.calls())
	posts := h.poster.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, IndoUsage, posts[0].Content)
	assert.Equal(t, int64(1), d.Stats().Replied)
}

func TestCommandUsagePostFails(t *testing.T) {
	h := newHarness()
	h.poster.fail = func(int, channel.Message) error { return fmt.Errorf("channel_not_found") }
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), commandRaw("E6b", "/indo", "", "U2", "C2"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureDelivery, res.Failure.Kind)
	assert.Empty(t, h.responder.calls())

	stats := d.Stats()
	assert.Equal(t, int64(0), stats.Replied)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, []string{"E6b"}, h.transport.ackedIDs())
}

func TestMentionSilentDrop(t *testing.T) {
	tests := []struct {
		name   string
		fields mentionFields
	}{
		{name: "missing text", fields: mentionFields{channel: "C1", user: "U1", botID: "B1"}},
		{name: "missing channel", fields: mentionFields{text: "<@B1> hi", user: "U1", botID: "B1"}},
		{name: "missing user", fields: mentionFields{text: "<@B1> hi", channel: "C1", botID: "B1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			d := h.dispatcher(Options{})

			res := d.Process(context.Background(), mentionRaw("E7", tt.fields))

			assert.Equal(t, OutcomeDropped, res.Outcome)
			assert.Empty(t, h.poster.sent())
			assert.Empty(t, h.responder.calls())
			assert.Equal(t, []string{"E7"}, h.transport.ackedIDs())
		})
	}
}

func TestPostFailureFallsBackOnce(t *testing.T) {
	h := newHarness()
	h.poster.fail = func(attempt int, _ channel.Message) error {
		if attempt == 1 {
			return fmt.Errorf("channel_not_found")
		}
		return nil
	}
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), helloMention("E8"))

	assert.Equal(t, OutcomeFallback, res.Outcome)
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureDelivery, res.Failure.Kind)
	posts := h.poster.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, MentionFallback, posts[0].Content)
	assert.Equal(t, []string{"E8"}, h.transport.ackedIDs())
}

func TestFallbackFailureStillAcknowledges(t *testing.T) {
	h := newHarness()
	h.responder.err = errBoom
	h.poster.fail = func(int, channel.Message) error { return fmt.Errorf("network down") }
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), helloMention("E9"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, h.poster.sent())
	assert.Equal(t, 1, h.poster.attempts, "fallback is not retried")
	assert.Equal(t, []string{"E9"}, h.transport.ackedIDs())
}

func TestDeniedTenant(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{})

	raw := mentionRaw("E10", mentionFields{text: "<@B1> hi", channel: "C1", user: "U1", botID: "B1", tenant: "T999"})
	res := d.Process(context.Background(), raw)

	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Empty(t, h.poster.sent())
	assert.Empty(t, h.responder.calls())
	assert.Equal(t, []string{"E10"}, h.transport.ackedIDs())
}

func TestDefaultTenantFallback(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{DefaultTenant: testTenant})

	raw := envelope.Raw{
		Type:       "slash_commands",
		EnvelopeID: "E11",
		Payload:    mustJSON(map[string]string{"command": "/indo", "text": "hi", "user_id": "U1", "channel_id": "C1"}),
	}
	res := d.Process(context.Background(), raw)
	assert.Equal(t, OutcomeReplied, res.Outcome)
}

func TestRedeliveryIsAcknowledgedNotHandled(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{})

	first := mentionRaw("E12", mentionFields{text: "<@B1> hi", channel: "C1", user: "U1", botID: "B1", eventID: "Ev1"})
	retry := mentionRaw("E13", mentionFields{text: "<@B1> hi", channel: "C1", user: "U1", botID: "B1", eventID: "Ev1"})
	retry.RetryAttempt = 1

	assert.Equal(t, OutcomeReplied, d.Process(context.Background(), first).Outcome)
	assert.Equal(t, OutcomeDuplicate, d.Process(context.Background(), retry).Outcome)

	assert.Len(t, h.responder.calls(), 1)
	assert.Len(t, h.poster.sent(), 1)
	assert.Equal(t, []string{"E12", "E13"}, h.transport.ackedIDs())
}

func TestMalformedEnvelope(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{})

	res := d.Process(context.Background(), envelope.Raw{Type: "events_api", EnvelopeID: "E14", Payload: json.RawMessage(`[1,2`)})

	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.Empty(t, h.responder.calls())
	assert.Equal(t, []string{"E14"}, h.transport.ackedIDs())
}

func TestUnknownAndInteractiveAreIgnored(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{})

	unknown := envelope.Raw{Type: "hello", EnvelopeID: "E15", Payload: json.RawMessage(`{"team_id":"T1"}`)}
	interactive := envelope.Raw{Type: "interactive", EnvelopeID: "E16", Payload: json.RawMessage(`{"type":"block_actions","team":{"id":"T1"}}`)}

	assert.Equal(t, OutcomeIgnored, d.Process(context.Background(), unknown).Outcome)
	assert.Equal(t, OutcomeIgnored, d.Process(context.Background(), interactive).Outcome)
	assert.Empty(t, h.poster.sent())
	assert.Equal(t, []string{"E15", "E16"}, h.transport.ackedIDs())
}

type panicHandler struct{}

func (panicHandler) Handle(context.Context, envelope.Envelope) Result { panic("handler bug") }

func TestHandlerPanicIsAcknowledged(t *testing.T) {
	h := newHarness()
	h.deps.Mention = panicHandler{}
	d := h.dispatcher(Options{})

	var res Result
	assert.NotPanics(t, func() {
		res = d.Process(context.Background(), helloMention("E17"))
	})
	assert.Equal(t, OutcomePanicked, res.Outcome)
	assert.Equal(t, []string{"E17"}, h.transport.ackedIDs())
	assert.Equal(t, int64(1), d.Stats().Panics)
}

func TestAckOnCancelledContext(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(Options{AckTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Process(ctx, commandRaw("E18", "/help", "", "U1", "C1"))
	assert.Equal(t, []string{"E18"}, h.transport.ackedIDs())
}

// mixedSequence covers every path the coordinator can take.
func mixedSequence() []envelope.Raw {
	return []envelope.Raw{
		helloMention("M1"),
		commandRaw("M2", "/indo", "good morning", "U2", "C2"),
		commandRaw("M3", "/help", "", "U2", "C2"),
		{Type: "events_api", EnvelopeID: "M4", Payload: json.RawMessage(`not json`)},
		{Type: "disconnect", EnvelopeID: "M5", Payload: json.RawMessage(`{}`)},
		mentionRaw("M6", mentionFields{channel: "C1", user: "U1"}),
		mentionRaw("M7", mentionFields{text: "hi", channel: "C1", user: "U1", tenant: "T404"}),
		{Type: "interactive", EnvelopeID: "M8", Payload: json.RawMessage(`{"team":{"id":"T1"}}`)},
		mentionRaw("M9", mentionFields{text: "<@B1> x", channel: "C1", user: "U1", botID: "B1", eventID: "Ev9"}),
		mentionRaw("M10", mentionFields{text: "<@B1> x", channel: "C1", user: "U1", botID: "B1", eventID: "Ev9"}),
		commandRaw("M11", "/indo", "", "U2", "C2"),
		directRaw("M12", "plain dm"),
	}
}

func TestExactlyOnceAcknowledgment(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			raws := mixedSequence()
			h := newHarness(raws...)
			h.transport.closeQueue()
			h.deps.Mention = recordingHandler{inner: h.deps.Mention, journal: h.journal}
			h.deps.Command = recordingHandler{inner: h.deps.Command, journal: h.journal}
			d := h.dispatcher(Options{Workers: workers})

			require.NoError(t, d.Run(context.Background()))

			acked := h.transport.ackedIDs()
			require.Len(t, acked, len(raws))

			want := make([]string, 0, len(raws))
			for _, r := range raws {
				want = append(want, r.EnvelopeID)
			}
			sort.Strings(want)
			sort.Strings(acked)
			assert.Equal(t, want, acked, "every envelope acknowledged exactly once")

			for _, r := range raws {
				handled := h.journal.index("handled:" + r.EnvelopeID)
				if handled < 0 {
					continue
				}
				assert.Less(t, handled, h.journal.index("ack:"+r.EnvelopeID),
					"ack for %s sent before its handler returned", r.EnvelopeID)
			}

			stats := d.Stats()
			assert.Equal(t, int64(len(raws)), stats.Received)
			assert.Equal(t, int64(len(raws)), stats.Acknowledged)
		})
	}
}

type gaugeHandler struct {
	active, max atomic.Int64
}

func (g *gaugeHandler) Handle(context.Context, envelope.Envelope) Result {
	n := g.active.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	g.active.Add(-1)
	return Result{Outcome: OutcomeReplied}
}

func TestWorkerBound(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			var raws []envelope.Raw
			for i := 0; i < 12; i++ {
				raws = append(raws, commandRaw(fmt.Sprintf("W%d", i), "/indo", "hi", "U1", "C1"))
			}
			h := newHarness(raws...)
			h.transport.closeQueue()
			gauge := &gaugeHandler{}
			h.deps.Command = gauge
			d := h.dispatcher(Options{Workers: workers})

			require.NoError(t, d.Run(context.Background()))
			assert.LessOrEqual(t, gauge.max.Load(), int64(workers))
			assert.Len(t, h.transport.ackedIDs(), len(raws))
		})
	}
}

type blockingResponder struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingResponder) Generate(context.Context, string) (string, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return "done", nil
}

func TestShutdownFinishesInFlightEnvelope(t *testing.T) {
	h := newHarness(commandRaw("S1", "/indo", "hi", "U1", "C1"))
	blocker := &blockingResponder{started: make(chan struct{}), release: make(chan struct{})}
	h.deps.Command = NewCommandHandler(blocker, h.poster, nil)
	d := h.dispatcher(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	<-blocker.started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight envelope was acknowledged")
	case <-time.After(20 * time.Millisecond):
	}

	close(blocker.release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"S1"}, h.transport.ackedIDs())
	posts := h.poster.sent()
	require.Len(t, posts, 1)
	assert.True(t, strings.Contains(posts[0].Content, "done"))
}

func TestDispatcherPublishesEvents(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	system := mb.SubscribeSystem("test")
	inbound := mb.SubscribeInboundTap("test")

	h := newHarness()
	h.deps.Bus = mb
	d := h.dispatcher(Options{})
	d.Process(context.Background(), helloMention("B1"))

	var types []string
	for len(system) > 0 {
		types = append(types, (<-system).(events.Event).Type)
	}
	assert.Equal(t, []string{events.EnvelopeReceived, events.EnvelopeDispatched, events.EnvelopeAcknowledged}, types)

	require.Len(t, inbound, 1)
	msg := (<-inbound).(bus.InboundMessage)
	assert.Equal(t, "B1", msg.EnvelopeID)
	assert.Equal(t, "C1", msg.ChatID)
}
