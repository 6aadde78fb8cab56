package gateway

import (
	"context"
	"strings"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
	"github.com/reggie-ai/reggie/pkg/logger"
)

// CommandHandler handles the /indo translation command. Every other command
// keyword is a no-op.
type CommandHandler struct {
	replier
}

func NewCommandHandler(responder provider.Responder, poster channel.Poster, mb *bus.MessageBus) *CommandHandler {
	return &CommandHandler{replier: replier{responder: responder, poster: poster, bus: mb}}
}

func (h *CommandHandler) Handle(ctx context.Context, env envelope.Envelope) Result {
	cmd, ok := env.Payload.(envelope.SlashCommand)
	if !ok || cmd.Command != CommandIndo {
		return Result{Outcome: OutcomeIgnored}
	}
	if cmd.ChannelID == "" {
		return Result{Outcome: OutcomeDropped}
	}

	dest := channel.NewMessage(cmd.ChannelID, "")
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		if err := h.notice(ctx, env.ID, dest, IndoUsage); err != nil {
			return Result{Outcome: OutcomeFailed, Failure: &Failure{Kind: FailureDelivery, Cause: err}}
		}
		return Result{Outcome: OutcomeUsage}
	}

	logger.InfoCF("command", "Handling command", map[string]interface{}{
		"envelope_id": env.ID,
		"command":     cmd.Command,
		"channel":     cmd.ChannelID,
		"user":        cmd.UserID,
	})

	format := func(output string) string {
		return FormatQuotedReply(cmd.UserID, text, output)
	}
	return h.respond(ctx, env.ID, dest, TranslatePromptPrefix+text, format, TranslationFallback)
}
