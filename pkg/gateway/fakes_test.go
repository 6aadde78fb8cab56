package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTenant = "T1"

var errBoom = errors.New("quota exceeded: internal detail")

// journal records an ordered trace shared by the fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) index(entry string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

// fakeTransport delivers queued envelopes and records acks.
type fakeTransport struct {
	queue   chan envelope.Raw
	journal *journal

	mu   sync.Mutex
	acks []string
}

func newFakeTransport(j *journal, raws ...envelope.Raw) *fakeTransport {
	t := &fakeTransport{queue: make(chan envelope.Raw, len(raws)+16), journal: j}
	for _, r := range raws {
		t.queue <- r
	}
	return t
}

func (t *fakeTransport) Name() domain.TransportType  { return domain.TransportConsole }
func (t *fakeTransport) Start(context.Context) error { return nil }
func (t *fakeTransport) Stop(context.Context) error  { return nil }
func (t *fakeTransport) push(r envelope.Raw)         { t.queue <- r }
func (t *fakeTransport) closeQueue()                 { close(t.queue) }

func (t *fakeTransport) Next(ctx context.Context) (envelope.Raw, error) {
	select {
	case r, ok := <-t.queue:
		if !ok {
			return envelope.Raw{}, channel.ErrTransportClosed
		}
		return r, nil
	case <-ctx.Done():
		return envelope.Raw{}, ctx.Err()
	}
}

func (t *fakeTransport) Ack(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.acks = append(t.acks, id)
	t.mu.Unlock()
	if t.journal != nil {
		t.journal.add("ack:" + id)
	}
	return nil
}

func (t *fakeTransport) ackedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.acks...)
}

// fakePoster records posts. fail decides per call whether to fail.
type fakePoster struct {
	mu       sync.Mutex
	posts    []channel.Message
	attempts int
	fail     func(attempt int, msg channel.Message) error
}

func (p *fakePoster) Post(ctx context.Context, msg channel.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.fail != nil {
		if err := p.fail(p.attempts, msg); err != nil {
			return err
		}
	}
	p.posts = append(p.posts, msg)
	return nil
}

func (p *fakePoster) sent() []channel.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]channel.Message(nil), p.posts...)
}

type fakeReactor struct {
	mu        sync.Mutex
	reactions []string
	err       error
}

func (r *fakeReactor) React(_ context.Context, chatID, ts, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactions = append(r.reactions, chatID+"/"+ts+"/"+name)
	return r.err
}

// fakeResponder records prompts and answers with reply or err.
type fakeResponder struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
}

func (r *fakeResponder) Generate(_ context.Context, prompt string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

func (r *fakeResponder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

var _ provider.Responder = (*fakeResponder)(nil)

// mapLedger is an in-memory Ledger without expiry.
type mapLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *mapLedger) Claim(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]bool)
	}
	if l.seen[key] {
		return false, nil
	}
	l.seen[key] = true
	return true, nil
}

type allowAll struct{}

func (allowAll) IsAllowed(string) bool { return true }

// --- raw envelope builders ---

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

type mentionFields struct {
	text, channel, user, botID, ts, threadTS, senderBot, eventID, tenant string
}

func mentionRaw(id string, f mentionFields) envelope.Raw {
	if f.tenant == "" {
		f.tenant = testTenant
	}
	event := map[string]interface{}{"type": "app_mention", "channel_type": "channel"}
	for k, v := range map[string]string{
		"text": f.text, "channel": f.channel, "user": f.user, "ts": f.ts,
		"thread_ts": f.threadTS, "bot_id": f.senderBot,
	} {
		if v != "" {
			event[k] = v
		}
	}
	payload := map[string]interface{}{
		"team_id": f.tenant,
		"event":   event,
	}
	if f.eventID != "" {
		payload["event_id"] = f.eventID
	}
	if f.botID != "" {
		payload["authorizations"] = []map[string]string{{"user_id": f.botID, "team_id": f.tenant}}
	}
	return envelope.Raw{Type: "events_api", EnvelopeID: id, Payload: mustJSON(payload)}
}

func helloMention(id string) envelope.Raw {
	return mentionRaw(id, mentionFields{text: "<@B1> hello", channel: "C1", user: "U1", botID: "B1", ts: "1700.1"})
}

func commandRaw(id, command, text, user, channelID string) envelope.Raw {
	return envelope.Raw{
		Type:       "slash_commands",
		EnvelopeID: id,
		Payload: mustJSON(map[string]string{
			"command":    command,
			"text":       text,
			"user_id":    user,
			"channel_id": channelID,
			"team_id":    testTenant,
		}),
	}
}

func directRaw(id, text string) envelope.Raw {
	return envelope.Raw{
		Type:       "events_api",
		EnvelopeID: id,
		Payload: mustJSON(map[string]interface{}{
			"team_id": testTenant,
			"event": map[string]string{
				"type": "message", "channel_type": "im", "user": "U5", "text": text, "channel": "D1", "ts": "1700.5",
			},
			"authorizations": []map[string]string{{"user_id": "B1"}},
		}),
	}
}

// --- harness ---

type harness struct {
	journal   *journal
	transport *fakeTransport
	poster    *fakePoster
	responder *fakeResponder
	reactor   *fakeReactor
	ledger    *mapLedger
	deps      Dependencies
}

func newHarness(raws ...envelope.Raw) *harness {
	h := &harness{
		journal:   &journal{},
		poster:    &fakePoster{},
		responder: &fakeResponder{reply: "Hi there"},
		reactor:   &fakeReactor{},
		ledger:    &mapLedger{},
	}
	h.transport = newFakeTransport(h.journal, raws...)
	h.deps = Dependencies{
		Transport: h.transport,
		Gate:      channel.NewAccessControlList([]string{testTenant}),
		Ledger:    h.ledger,
		Mention:   NewMentionHandler(h.responder, h.poster, h.reactor, nil, MentionOptions{}),
		Command:   NewCommandHandler(h.responder, h.poster, nil),
	}
	return h
}

func (h *harness) dispatcher(opts Options) *Dispatcher {
	return NewDispatcher(h.deps, opts)
}

// recordingHandler notes in the journal when the inner handler returns.
type recordingHandler struct {
	inner   Handler
	journal *journal
}

func (r recordingHandler) Handle(ctx context.Context, env envelope.Envelope) Result {
	res := r.inner.Handle(ctx, env)
	r.journal.add("handled:" + env.ID)
	return res
}
