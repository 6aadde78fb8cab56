package providers

import (
	"context"
	"fmt"

	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
)

// CreateProvider builds the responder selected by cfg.Type.
func CreateProvider(ctx context.Context, cfg provider.ProviderConfig) (provider.Responder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Type, provider.ErrNoAPIKey)
	}

	switch cfg.Type {
	case domain.ProviderOpenAI, "":
		return NewOpenAIProvider(cfg), nil
	case domain.ProviderAnthropic:
		return NewAnthropicProvider(cfg), nil
	case domain.ProviderGemini:
		return NewGeminiProvider(ctx, cfg)
	case domain.ProviderMoonshot:
		return NewMoonshotProvider(cfg), nil
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Type, provider.ErrInvalidProvider)
	}
}
