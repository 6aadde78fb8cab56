package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/reggie-ai/reggie/pkg/config"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
	"github.com/reggie-ai/reggie/pkg/gateway"
	"github.com/reggie-ai/reggie/pkg/providers"
)

var checkPrompt string

// checkCmd verifies the configuration and the responder without touching
// Slack.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and build the responder",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Responder.Timeout+5*time.Second)
		defer cancel()
		return checkConfig(ctx, cmd.OutOrStdout(), cfg, checkPrompt, nil)
	},
}

// checkConfig reports on cfg. responder replaces the configured provider
// when non-nil.
func checkConfig(ctx context.Context, out io.Writer, cfg *config.Config, prompt string, responder provider.Responder) error {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "✗ configuration invalid:\n%v\n", err)
		return err
	}
	fmt.Fprintf(out, "✓ configuration valid (transport %s, %d allowed team(s))\n", cfg.Transport, len(cfg.Access.AllowedTeams))

	if responder == nil {
		p, err := providers.CreateProvider(ctx, cfg.ProviderConfig())
		if err != nil {
			fmt.Fprintf(out, "✗ responder: %v\n", err)
			return err
		}
		responder = p
	}
	fmt.Fprintf(out, "✓ responder created: %s (%T)\n", cfg.Responder.Provider, responder)
	if m, ok := responder.(interface{ Model() string }); ok {
		fmt.Fprintf(out, "✓ model: %s\n", m.Model())
	}

	if prompt == "" {
		return nil
	}
	bounded := gateway.NewBoundedResponder(responder, cfg.Responder.Timeout, 0)
	reply, err := bounded.Generate(ctx, prompt)
	if err != nil {
		fmt.Fprintf(out, "✗ sample request failed: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "✓ sample reply: %s\n", reply)
	return nil
}
