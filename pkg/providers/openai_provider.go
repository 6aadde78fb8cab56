package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/reggie-ai/reggie/pkg/domain/provider"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider answers prompts with the OpenAI chat completions API. Any
// OpenAI-compatible endpoint works by setting APIBase.
type OpenAIProvider struct {
	client       openai.Client
	model        string
	instructions string
	maxTokens    int64
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg provider.ProviderConfig, opts ...option.RequestOption) *OpenAIProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIProvider{
		client:       openai.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.Instructions,
		maxTokens:    cfg.MaxTokens,
	}
}

// Generate sends a single-turn conversation and returns the first choice.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if p.instructions != "" {
		messages = append(messages, openai.SystemMessage(p.instructions))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(p.maxTokens)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", provider.ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", provider.ErrEmptyResponse
	}
	return text, nil
}

// Model returns the model used for completions.
func (p *OpenAIProvider) Model() string { return p.model }

var _ provider.Responder = (*OpenAIProvider)(nil)
