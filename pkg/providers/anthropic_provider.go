package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/reggie-ai/reggie/pkg/domain/provider"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicProvider answers prompts with the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	model        string
	instructions string
	maxTokens    int64
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg provider.ProviderConfig, opts ...option.RequestOption) *AnthropicProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.Instructions,
		maxTokens:    maxTokens,
	}
}

// Generate sends the prompt as a single user turn and joins the text blocks
// of the reply.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if p.instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.instructions}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", provider.ErrEmptyResponse
	}
	return text, nil
}

// Model returns the model used for messages.
func (p *AnthropicProvider) Model() string { return p.model }

var _ provider.Responder = (*AnthropicProvider)(nil)
