package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/logger"
)

// Fixed ids the console transport speaks as.
const (
	ConsoleUser    = "UCONSOLE"
	ConsoleBot     = "BCONSOLE"
	ConsoleChannel = "CCONSOLE"
)

// ConsoleTransport turns lines typed at a terminal into envelopes. A line
// starting with "/" becomes a slash command, anything else a mention.
type ConsoleTransport struct {
	tenant string
	cfg    *readline.Config

	envelopes chan envelope.Raw
	done      chan struct{}

	mu      sync.Mutex
	rl      *readline.Instance
	started bool
}

// NewConsoleTransport creates a console transport reading from in and
// echoing to out. tenant is stamped on every envelope.
func NewConsoleTransport(tenant string, in io.ReadCloser, out io.Writer) *ConsoleTransport {
	return &ConsoleTransport{
		tenant: tenant,
		cfg: &readline.Config{
			Prompt:          "reggie> ",
			Stdin:           in,
			Stdout:          out,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		},
		envelopes: make(chan envelope.Raw),
		done:      make(chan struct{}),
	}
}

func (t *ConsoleTransport) Name() domain.TransportType { return domain.TransportConsole }

func (t *ConsoleTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return channel.ErrAlreadyStarted
	}
	rl, err := readline.NewEx(t.cfg)
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	t.rl = rl
	t.started = true

	go t.readLoop(ctx)
	return nil
}

func (t *ConsoleTransport) readLoop(ctx context.Context) {
	defer close(t.done)
	for {
		line, err := t.rl.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				logger.WarnCF("console", "Console read failed", map[string]interface{}{"error": err})
			}
			return
		}
		raw, ok := LineToRaw(line, t.tenant)
		if !ok {
			continue
		}
		select {
		case t.envelopes <- raw:
		case <-ctx.Done():
			return
		}
	}
}

// LineToRaw converts one console line into the envelope Slack would send for
// it. Blank lines produce nothing.
func LineToRaw(line, tenant string) (envelope.Raw, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return envelope.Raw{}, false
	}
	id := domain.NewID().String()

	if strings.HasPrefix(line, "/") {
		command, text, _ := strings.Cut(line, " ")
		return envelope.Raw{
			Type:       string(envelope.CategoryCommand),
			EnvelopeID: id,
			Payload: mustMarshal(map[string]string{
				"command":    command,
				"text":       strings.TrimSpace(text),
				"user_id":    ConsoleUser,
				"channel_id": ConsoleChannel,
				"team_id":    tenant,
			}),
		}, true
	}

	return envelope.Raw{
		Type:       string(envelope.CategoryMessageEvent),
		EnvelopeID: id,
		Payload: mustMarshal(map[string]interface{}{
			"team_id":  tenant,
			"event_id": "Ev" + id,
			"event": map[string]string{
				"type":         envelope.SubtypeAppMention,
				"channel_type": "channel",
				"user":         ConsoleUser,
				"text":         "<@" + ConsoleBot + "> " + line,
				"channel":      ConsoleChannel,
				"ts":           fmt.Sprintf("%d.000000", time.Now().Unix()),
			},
			"authorizations": []map[string]string{{"user_id": ConsoleBot, "team_id": tenant}},
		}),
	}, true
}

func (t *ConsoleTransport) Next(ctx context.Context) (envelope.Raw, error) {
	select {
	case raw := <-t.envelopes:
		return raw, nil
	case <-t.done:
		return envelope.Raw{}, channel.ErrTransportClosed
	case <-ctx.Done():
		return envelope.Raw{}, ctx.Err()
	}
}

// Ack has nothing to send back to a terminal.
func (t *ConsoleTransport) Ack(_ context.Context, envelopeID string) error {
	logger.DebugCF("console", "Acknowledged", map[string]interface{}{"envelope_id": envelopeID})
	return nil
}

func (t *ConsoleTransport) Stop(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return channel.ErrNotStarted
	}
	return t.rl.Close()
}

// Writer returns where console output should go so it does not garble the
// prompt. Valid after Start.
func (t *ConsoleTransport) Writer() io.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rl != nil {
		return t.rl.Stdout()
	}
	return t.cfg.Stdout
}

// ConsolePoster prints replies.
type ConsolePoster struct {
	mu  sync.Mutex
	out func() io.Writer
}

// NewConsolePoster prints to the writer returned by out at post time.
func NewConsolePoster(out func() io.Writer) *ConsolePoster {
	return &ConsolePoster{out: out}
}

func (p *ConsolePoster) Post(_ context.Context, msg channel.Message) error {
	if msg.ChatID == "" {
		return channel.ErrEmptyDestination
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.out(), "[%s] %s\n", msg.ChatID, msg.Content)
	return err
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

var (
	_ channel.Transport = (*ConsoleTransport)(nil)
	_ channel.Poster    = (*ConsolePoster)(nil)
)
