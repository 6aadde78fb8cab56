package gateway

import (
	"context"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
	"github.com/reggie-ai/reggie/pkg/logger"
)

const reactionEyes = "eyes"

// MentionOptions tunes the mention handler.
type MentionOptions struct {
	// SelfUserID is the bot's own user id from auth.test, used when the
	// envelope carries no authorization list.
	SelfUserID     string
	ReactOnMention bool
	ReplyInThread  bool
}

// MentionHandler answers app_mention events with a quoted reply.
type MentionHandler struct {
	replier
	reactor channel.Reactor
	opts    MentionOptions
}

// NewMentionHandler creates a mention handler. reactor may be nil.
func NewMentionHandler(responder provider.Responder, poster channel.Poster, reactor channel.Reactor,
	mb *bus.MessageBus, opts MentionOptions) *MentionHandler {
	return &MentionHandler{
		replier: replier{responder: responder, poster: poster, bus: mb},
		reactor: reactor,
		opts:    opts,
	}
}

func (h *MentionHandler) Handle(ctx context.Context, env envelope.Envelope) Result {
	ev, ok := env.Payload.(envelope.MessageEvent)
	if !ok || !ev.Valid() {
		logger.DebugCF("mention", "Dropping incomplete mention", map[string]interface{}{
			"envelope_id": env.ID,
		})
		return Result{Outcome: OutcomeDropped}
	}

	botID := ev.BotUserID
	if botID == "" {
		botID = h.opts.SelfUserID
	}
	if isFromBot(ev, botID) {
		return Result{Outcome: OutcomeIgnored}
	}

	if h.opts.ReactOnMention {
		h.react(ctx, env.ID, ev)
	}

	prompt := StripMention(ev.Text, botID)
	if prompt == "" {
		prompt = DefaultMentionPrompt
	}

	dest := channel.NewMessage(ev.Channel, "")
	if h.opts.ReplyInThread {
		dest = dest.InThread(threadOf(ev))
	}

	logger.InfoCF("mention", "Handling mention", map[string]interface{}{
		"envelope_id": env.ID,
		"channel":     ev.Channel,
		"user":        ev.User,
	})

	format := func(output string) string {
		return StripMention(FormatQuotedReply(ev.User, ev.Text, output), botID)
	}
	return h.respond(ctx, env.ID, dest, prompt, format, MentionFallback)
}

// react adds the eyes reaction. Failure only costs the reaction.
func (h *MentionHandler) react(ctx context.Context, envID string, ev envelope.MessageEvent) {
	if h.reactor == nil || ev.TS == "" {
		return
	}
	if err := h.reactor.React(ctx, ev.Channel, ev.TS, reactionEyes); err != nil {
		logger.WarnCF("mention", "Failed to add reaction", map[string]interface{}{
			"envelope_id": envID,
			"channel":     ev.Channel,
			"error":       err,
		})
	}
}

// isFromBot reports whether the event was authored by a bot or by the
// gateway itself.
func isFromBot(ev envelope.MessageEvent, selfID string) bool {
	return ev.SenderBotID != "" || (selfID != "" && ev.User == selfID)
}

func threadOf(ev envelope.MessageEvent) string {
	if ev.ThreadTS != "" {
		return ev.ThreadTS
	}
	return ev.TS
}
