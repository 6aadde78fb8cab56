package gateway

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
	"github.com/reggie-ai/reggie/pkg/events"
	"github.com/reggie-ai/reggie/pkg/logger"
)

const previewLen = 200

// Handler handles one routed envelope. It must not return until its posts
// are done, and it reports failures through the Result.
type Handler interface {
	Handle(ctx context.Context, env envelope.Envelope) Result
}

// replier is the responder-then-post step shared by every handler.
type replier struct {
	responder provider.Responder
	poster    channel.Poster
	bus       *bus.MessageBus
}

func (r *replier) generate(ctx context.Context, prompt string) Reply {
	text, err := r.responder.Generate(ctx, prompt)
	if err != nil {
		return Reply{Failure: &Failure{Kind: FailureResponder, Cause: err}}
	}
	if strings.TrimSpace(text) == "" {
		return Reply{Failure: &Failure{Kind: FailureResponder, Cause: provider.ErrEmptyResponse}}
	}
	return Reply{Text: text}
}

// respond asks the responder and posts format(text) to dest. On any failure it
// posts fallback instead. At most one of the two posts succeeds.
func (r *replier) respond(ctx context.Context, envID string, dest channel.Message, prompt string,
	format func(string) string, fallback string) Result {

	reply := r.generate(ctx, prompt)
	if reply.OK() {
		msg := dest
		msg.Content = format(reply.Text)
		err := r.poster.Post(ctx, msg)
		if err == nil {
			r.published(envID, msg, false)
			return Result{Outcome: OutcomeReplied}
		}
		reply.Failure = &Failure{Kind: FailureDelivery, Cause: err}
	}

	if reply.Failure.Kind == FailureResponder {
		logger.ErrorCF("gateway", "Responder failed", map[string]interface{}{
			"envelope_id": envID,
			"error":       reply.Failure.Cause,
		})
		r.bus.PublishSystem(events.New(events.ResponderError, "gateway", events.EnvelopeEventData{
			EnvelopeID: envID,
			Error:      reply.Failure.Error(),
		}))
	} else {
		logger.ErrorCF("gateway", "Reply post failed", map[string]interface{}{
			"envelope_id": envID,
			"channel":     dest.ChatID,
			"error":       reply.Failure.Cause,
		})
	}
	return r.fallback(ctx, envID, dest, fallback, reply.Failure)
}

// fallback posts the fixed apology once. Its own failure is logged only.
func (r *replier) fallback(ctx context.Context, envID string, dest channel.Message, text string, cause *Failure) Result {
	msg := dest
	msg.Content = text
	if err := r.poster.Post(ctx, msg); err != nil {
		logger.ErrorCF("gateway", "Fallback post failed", map[string]interface{}{
			"envelope_id": envID,
			"channel":     dest.ChatID,
			"error":       err,
		})
		r.bus.PublishSystem(events.New(events.ReplyFailed, "gateway", events.ReplyEventData{
			EnvelopeID: envID,
			Channel:    dest.ChatID,
			ThreadTS:   dest.ThreadTS,
			Preview:    text,
			Error:      err.Error(),
		}))
		return Result{Outcome: OutcomeFailed, Failure: cause}
	}
	r.published(envID, msg, true)
	return Result{Outcome: OutcomeFallback, Failure: cause}
}

// notice posts a fixed text that needs no responder call.
func (r *replier) notice(ctx context.Context, envID string, dest channel.Message, text string) error {
	msg := dest
	msg.Content = text
	if err := r.poster.Post(ctx, msg); err != nil {
		logger.WarnCF("gateway", "Notice post failed", map[string]interface{}{
			"envelope_id": envID,
			"channel":     dest.ChatID,
			"error":       err,
		})
		return err
	}
	r.published(envID, msg, false)
	return nil
}

func (r *replier) published(envID string, msg channel.Message, fallback bool) {
	eventType := events.ReplyPosted
	if fallback {
		eventType = events.ReplyFallback
	}
	r.bus.PublishOutbound(bus.OutboundMessage{
		EnvelopeID: envID,
		ChatID:     msg.ChatID,
		ThreadTS:   msg.ThreadTS,
		Content:    msg.Content,
		Fallback:   fallback,
	})
	r.bus.PublishSystem(events.New(eventType, "gateway", events.ReplyEventData{
		EnvelopeID: envID,
		Channel:    msg.ChatID,
		ThreadTS:   msg.ThreadTS,
		Preview:    truncate(msg.Content, previewLen),
	}))
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
