package providers

import (
	"context"
	"strings"

	"github.com/openai/openai-go/v3/option"

	"github.com/reggie-ai/reggie/pkg/domain/provider"
)

const (
	moonshotAPIBase      = "https://api.moonshot.cn/v1"
	defaultMoonshotModel = "moonshot-v1-32k"
)

// MoonshotProvider is a provider for Moonshot AI API
// (Chinese LLM provider: https://www.moonshot.cn/)
// Moonshot uses OpenAI-compatible API format
type MoonshotProvider struct {
	openai *OpenAIProvider
}

// NewMoonshotProvider creates a new Moonshot provider. An empty APIBase
// selects the public Moonshot endpoint.
func NewMoonshotProvider(cfg provider.ProviderConfig, opts ...option.RequestOption) *MoonshotProvider {
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = moonshotAPIBase
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultMoonshotModel
	}
	return &MoonshotProvider{openai: NewOpenAIProvider(cfg, opts...)}
}

// Generate sends a request to Moonshot API
func (p *MoonshotProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return p.openai.Generate(ctx, prompt)
}

// Model returns the Moonshot model in use.
func (p *MoonshotProvider) Model() string { return p.openai.Model() }

// Ensure MoonshotProvider implements Responder interface
var _ provider.Responder = (*MoonshotProvider)(nil)
