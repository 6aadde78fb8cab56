// Package channels holds the transport and delivery adapters: Slack Socket
// Mode, the Slack Web API poster, and a local readline console.
package channels

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/reggie-ai/reggie/pkg/domain/channel"
)

// SlackCredentials are the tokens needed to talk to Slack.
type SlackCredentials struct {
	BotToken string
	AppToken string
	// APIURL overrides https://slack.com/api/ (tests, proxies).
	APIURL string
}

// NewSlackAPI builds a Web API client.
func NewSlackAPI(creds SlackCredentials) *slack.Client {
	opts := []slack.Option{}
	if creds.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(creds.AppToken))
	}
	if creds.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(creds.APIURL))
	}
	return slack.New(creds.BotToken, opts...)
}

// SlackPoster delivers replies and reactions through the Web API.
type SlackPoster struct {
	api *slack.Client
}

func NewSlackPoster(api *slack.Client) *SlackPoster {
	return &SlackPoster{api: api}
}

// Post sends msg with chat.postMessage.
func (p *SlackPoster) Post(ctx context.Context, msg channel.Message) error {
	if msg.ChatID == "" {
		return channel.ErrEmptyDestination
	}
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadTS))
	}
	if _, _, err := p.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
		return fmt.Errorf("chat.postMessage to %s: %w", msg.ChatID, err)
	}
	return nil
}

// React adds an emoji reaction with reactions.add.
func (p *SlackPoster) React(ctx context.Context, chatID, messageTS, name string) error {
	if err := p.api.AddReactionContext(ctx, name, slack.NewRefToMessage(chatID, messageTS)); err != nil {
		return fmt.Errorf("reactions.add %s: %w", name, err)
	}
	return nil
}

// Identify calls auth.test to learn the bot's own ids.
func (p *SlackPoster) Identify(ctx context.Context) (channel.Identity, error) {
	resp, err := p.api.AuthTestContext(ctx)
	if err != nil {
		return channel.Identity{}, fmt.Errorf("auth.test: %w", err)
	}
	return channel.Identity{
		UserID: resp.UserID,
		BotID:  resp.BotID,
		TeamID: resp.TeamID,
	}, nil
}

var (
	_ channel.Poster  = (*SlackPoster)(nil)
	_ channel.Reactor = (*SlackPoster)(nil)
)
