package gateway

import (
	"context"
	"strings"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
)

// DirectHandler answers plain direct messages with the responder output,
// unquoted.
type DirectHandler struct {
	replier
	selfUserID string
}

func NewDirectHandler(responder provider.Responder, poster channel.Poster, mb *bus.MessageBus, selfUserID string) *DirectHandler {
	return &DirectHandler{
		replier:    replier{responder: responder, poster: poster, bus: mb},
		selfUserID: selfUserID,
	}
}

func (h *DirectHandler) Handle(ctx context.Context, env envelope.Envelope) Result {
	ev, ok := env.Payload.(envelope.MessageEvent)
	if !ok || !ev.Valid() {
		return Result{Outcome: OutcomeDropped}
	}
	selfID := ev.BotUserID
	if selfID == "" {
		selfID = h.selfUserID
	}
	if isFromBot(ev, selfID) || ev.MessageSubtype != "" {
		return Result{Outcome: OutcomeIgnored}
	}

	prompt := strings.TrimSpace(ev.Text)
	if prompt == "" {
		prompt = DefaultMentionPrompt
	}
	dest := channel.NewMessage(ev.Channel, "")
	return h.respond(ctx, env.ID, dest, prompt, strings.TrimSpace, MentionFallback)
}
