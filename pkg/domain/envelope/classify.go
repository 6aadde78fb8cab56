package envelope

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Classify converts a raw transport envelope into its typed variant. It never
// fails: absent fields come back as empty strings and validation is left to
// the handlers. A payload that is not a JSON object marks the envelope Malformed.
func Classify(raw Raw) Envelope {
	env := Envelope{
		ID:           strings.TrimSpace(raw.EnvelopeID),
		Type:         raw.Type,
		RetryAttempt: raw.RetryAttempt,
		ReceivedAt:   time.Now().UTC(),
	}

	payload := gjson.ParseBytes(raw.Payload)
	if !gjson.ValidBytes(raw.Payload) || !payload.IsObject() {
		env.Category = categoryOf(raw.Type)
		env.Malformed = true
		env.Payload = Unknown{Type: raw.Type}
		return env
	}

	env.TenantID = tenantOf(payload)
	env.EventID = payload.Get("event_id").String()

	switch categoryOf(raw.Type) {
	case CategoryMessageEvent:
		env.Category = CategoryMessageEvent
		env.Payload = messageEventOf(payload)
	case CategoryCommand:
		env.Category = CategoryCommand
		env.Payload = slashCommandOf(payload)
	case CategoryInteractive:
		env.Category = CategoryInteractive
		env.Payload = interactiveOf(payload)
	default:
		env.Category = CategoryUnknown
		env.Payload = Unknown{Type: raw.Type}
	}
	return env
}

func categoryOf(t string) Category {
	switch Category(t) {
	case CategoryMessageEvent, CategoryCommand, CategoryInteractive:
		return Category(t)
	default:
		return CategoryUnknown
	}
}

// tenantOf finds the workspace id across the shapes Slack uses per category.
func tenantOf(p gjson.Result) string {
	for _, path := range []string{"team_id", "authorizations.0.team_id", "team.id", "user.team_id"} {
		if v := strings.TrimSpace(p.Get(path).String()); v != "" {
			return v
		}
	}
	return ""
}

func messageEventOf(p gjson.Result) MessageEvent {
	ev := p.Get("event")
	return MessageEvent{
		Subtype:        ev.Get("type").String(),
		ChannelType:    ev.Get("channel_type").String(),
		User:           ev.Get("user").String(),
		Text:           ev.Get("text").String(),
		Channel:        ev.Get("channel").String(),
		TS:             ev.Get("ts").String(),
		ThreadTS:       ev.Get("thread_ts").String(),
		MessageSubtype: ev.Get("subtype").String(),
		SenderBotID:    ev.Get("bot_id").String(),
		BotUserID:      p.Get("authorizations.0.user_id").String(),
	}
}

func slashCommandOf(p gjson.Result) SlashCommand {
	return SlashCommand{
		Command:     strings.TrimSpace(p.Get("command").String()),
		Text:        p.Get("text").String(),
		UserID:      p.Get("user_id").String(),
		ChannelID:   p.Get("channel_id").String(),
		ResponseURL: p.Get("response_url").String(),
		TriggerID:   p.Get("trigger_id").String(),
	}
}

func interactiveOf(p gjson.Result) InteractiveAction {
	action := InteractiveAction{
		Kind:      p.Get("type").String(),
		UserID:    p.Get("user.id").String(),
		ChannelID: p.Get("channel.id").String(),
	}
	p.Get("actions.#.action_id").ForEach(func(_, v gjson.Result) bool {
		action.ActionIDs = append(action.ActionIDs, v.String())
		return true
	})
	return action
}
