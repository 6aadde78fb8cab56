package providers

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/reggie-ai/reggie/pkg/domain/provider"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider answers prompts with the Gemini API.
type GeminiProvider struct {
	client       *genai.Client
	model        string
	instructions string
	maxTokens    int64
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, cfg provider.ProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrNoAPIKey
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	return &GeminiProvider{
		client:       client,
		model:        model,
		instructions: cfg.Instructions,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Generate sends the prompt and returns the concatenated text parts.
func (p *GeminiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	genCfg := &genai.GenerateContentConfig{}
	if p.instructions != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(p.instructions, genai.RoleUser)
	}
	if p.maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(p.maxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), genCfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", provider.ErrEmptyResponse
	}
	return text, nil
}

// Model returns the Gemini model in use.
func (p *GeminiProvider) Model() string { return p.model }

var _ provider.Responder = (*GeminiProvider)(nil)
