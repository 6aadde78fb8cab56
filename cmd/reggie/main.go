package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reggie-ai/reggie/pkg/app"
	"github.com/reggie-ai/reggie/pkg/config"
	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/logger"
)

// Set with -ldflags "-X main.version=..." at release time.
var version = "dev"

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "reggie",
	Short: "Reggie - Slack event gateway for an LLM responder",
	Long: `Reggie receives Slack events over Socket Mode or the HTTP Events API,
answers app mentions and the /indo translation command with an LLM
responder, and acknowledges every envelope exactly once.

Configuration comes from the environment (SLACK_*, REGGIE_*, <PROVIDER>_API_KEY).`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway on the configured transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, app.Options{In: os.Stdin, Out: os.Stdout})
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Talk to the gateway from the terminal",
	Long: `Runs the gateway on a local readline transport. Plain lines are sent as
app mentions, lines starting with "/" as slash commands (try "/indo good morning").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Transport = domain.TransportConsole
		if !contains(cfg.Access.AllowedTeams, config.ConsoleTenant) {
			cfg.Access.AllowedTeams = append(cfg.Access.AllowedTeams, config.ConsoleTenant)
		}
		return run(cmd.Context(), cfg, app.Options{In: os.Stdin, Out: os.Stdout})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "reggie %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override REGGIE_LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override REGGIE_LOG_FORMAT (json, console)")

	checkCmd.Flags().StringVar(&checkPrompt, "prompt", "", "Send this prompt to the responder and print the reply")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and initializes the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, opts app.Options) error {
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	c, err := app.NewContainer(startCtx, cfg, opts)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	return c.Run(ctx)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
