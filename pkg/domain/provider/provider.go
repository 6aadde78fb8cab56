// Package provider defines the responder port: the LLM backend that turns a
// prompt into reply text. The gateway treats it as a black box.
package provider

import (
	"context"

	"github.com/reggie-ai/reggie/pkg/domain"
)

// ---------------------------------------------------------------------------
// Responder: the core inference contract
// ---------------------------------------------------------------------------

// Responder turns a prompt into free text. It may take arbitrary time and may
// fail for any reason; callers treat every error the same way.
type Responder interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f ResponderFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ---------------------------------------------------------------------------
// Value objects
// ---------------------------------------------------------------------------

// ProviderConfig holds provider-specific configuration.
type ProviderConfig struct {
	Type         domain.ProviderType `json:"type"`
	APIKey       string              `json:"-"`
	APIBase      string              `json:"api_base,omitempty"`
	Model        string              `json:"model,omitempty"`
	Instructions string              `json:"instructions,omitempty"`
	MaxTokens    int64               `json:"max_tokens,omitempty"`
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

type ProviderError string

func (e ProviderError) Error() string { return string(e) }

const (
	ErrNoAPIKey        ProviderError = "no API key configured"
	ErrInvalidProvider ProviderError = "invalid provider type"
	ErrEmptyResponse   ProviderError = "provider returned no text"
)
