// Package config loads the gateway configuration from the environment and an
// optional YAML allow-list file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
)

// ConsoleTenant is the tenant id the console transport stamps on every
// envelope. It is always allowed when the console transport is active.
const ConsoleTenant = "TCONSOLE"

// DefaultInstructions is the system instruction given to every responder.
const DefaultInstructions = "If translating, return only the translated text."

// Config is the full process configuration.
type Config struct {
	Transport domain.TransportType `env:"REGGIE_TRANSPORT" envDefault:"socket"`

	Slack     SlackConfig     `envPrefix:"SLACK_"`
	Access    AccessConfig    `envPrefix:"REGGIE_"`
	Dispatch  DispatchConfig  `envPrefix:"REGGIE_"`
	Responder ResponderConfig `envPrefix:"REGGIE_"`
	Providers ProvidersConfig
	Gateway   GatewayConfig `envPrefix:"REGGIE_"`
	Ledger    LedgerConfig  `envPrefix:"REGGIE_"`
	Log       LogConfig     `envPrefix:"REGGIE_LOG_"`
}

// SlackConfig holds the Slack app credentials.
type SlackConfig struct {
	BotToken      string `env:"BOT_TOKEN"`
	AppToken      string `env:"APP_TOKEN"`
	SigningSecret string `env:"SIGNING_SECRET"`
	APIURL        string `env:"API_URL"`
}

// AccessConfig is the tenant allow-list source.
type AccessConfig struct {
	AllowedTeams  []string `env:"ALLOWED_TEAMS" envSeparator:","`
	AllowListFile string   `env:"ALLOWLIST_FILE"`
}

// DispatchConfig tunes the acknowledgment coordinator and handlers.
type DispatchConfig struct {
	Workers        int           `env:"WORKERS" envDefault:"1"`
	AckTimeout     time.Duration `env:"ACK_TIMEOUT" envDefault:"5s"`
	ReactOnMention bool          `env:"REACT_ON_MENTION" envDefault:"true"`
	ReplyInThread  bool          `env:"REPLY_IN_THREAD" envDefault:"false"`
	DirectMessages bool          `env:"DIRECT_MESSAGES" envDefault:"false"`
}

// ResponderConfig selects and bounds the LLM backend.
type ResponderConfig struct {
	Provider     domain.ProviderType `env:"PROVIDER" envDefault:"openai"`
	Model        string              `env:"MODEL"`
	Instructions string              `env:"INSTRUCTIONS"`
	BaseURL      string              `env:"PROVIDER_BASE_URL"`
	MaxTokens    int64               `env:"MAX_TOKENS" envDefault:"1024"`
	Timeout      time.Duration       `env:"RESPONDER_TIMEOUT" envDefault:"60s"`
	Retries      int                 `env:"RESPONDER_RETRIES" envDefault:"1"`
}

// ProvidersConfig holds per-provider credentials.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `envPrefix:"OPENAI_"`
	Anthropic ProviderConfig `envPrefix:"ANTHROPIC_"`
	Gemini    ProviderConfig `envPrefix:"GEMINI_"`
	Moonshot  ProviderConfig `envPrefix:"MOONSHOT_"`
}

// ProviderConfig is one provider's credential block.
type ProviderConfig struct {
	APIKey  string `env:"API_KEY"`
	APIBase string `env:"API_BASE"`
}

// GatewayConfig is the HTTP listener for the API server and the Slack HTTP
// transport.
type GatewayConfig struct {
	Host   string `env:"HTTP_HOST" envDefault:"127.0.0.1"`
	Port   int    `env:"HTTP_PORT" envDefault:"18790"`
	APIKey string `env:"API_KEY"`
	// Queue is how many Slack HTTP envelopes may wait for a worker.
	Queue int `env:"HTTP_QUEUE" envDefault:"64"`
}

// LedgerConfig configures redelivery dedupe.
type LedgerConfig struct {
	Backend   string        `env:"LEDGER" envDefault:"memory"`
	Path      string        `env:"LEDGER_PATH" envDefault:"reggie-ledger.db"`
	TTL       time.Duration `env:"LEDGER_TTL" envDefault:"1h"`
	PruneCron string        `env:"LEDGER_PRUNE_CRON" envDefault:"@hourly"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerSQLite = "sqlite"
	LedgerNone   = "none"
)

// allowListFile is the YAML shape of REGGIE_ALLOWLIST_FILE.
type allowListFile struct {
	Teams []string `yaml:"teams"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFromMap reads the configuration from the given variables only.
func LoadFromMap(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if path := strings.TrimSpace(cfg.Access.AllowListFile); path != "" {
		teams, err := readAllowListFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Access.AllowedTeams = append(cfg.Access.AllowedTeams, teams...)
	}
	cfg.Access.AllowedTeams = normalizeTeams(cfg.Access.AllowedTeams)

	if cfg.Transport == domain.TransportConsole && !contains(cfg.Access.AllowedTeams, ConsoleTenant) {
		cfg.Access.AllowedTeams = append(cfg.Access.AllowedTeams, ConsoleTenant)
	}
	if cfg.Responder.Instructions == "" {
		cfg.Responder.Instructions = DefaultInstructions
	}
	return cfg, nil
}

func readAllowListFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allow-list file: %w", err)
	}
	var f allowListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse allow-list file %s: %w", path, err)
	}
	return f.Teams, nil
}

func normalizeTeams(teams []string) []string {
	out := make([]string, 0, len(teams))
	for _, t := range teams {
		t = strings.TrimSpace(t)
		if t == "" || contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Validate checks that the configuration can run the selected transport
// and provider.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case domain.TransportSocket:
		if c.Slack.BotToken == "" {
			errs = append(errs, errors.New("SLACK_BOT_TOKEN is required"))
		}
		if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
			errs = append(errs, errors.New("SLACK_APP_TOKEN must be an app-level token (xapp-...)"))
		}
	case domain.TransportHTTP:
		if c.Slack.BotToken == "" {
			errs = append(errs, errors.New("SLACK_BOT_TOKEN is required"))
		}
		if c.Slack.SigningSecret == "" {
			errs = append(errs, errors.New("SLACK_SIGNING_SECRET is required for the http transport"))
		}
		if c.Gateway.Queue < 1 {
			errs = append(errs, errors.New("REGGIE_HTTP_QUEUE must be at least 1"))
		}
	case domain.TransportConsole:
	default:
		errs = append(errs, fmt.Errorf("REGGIE_TRANSPORT %q is not one of %v", c.Transport, domain.AllTransportTypes()))
	}

	if len(c.Access.AllowedTeams) == 0 {
		errs = append(errs, errors.New("REGGIE_ALLOWED_TEAMS or REGGIE_ALLOWLIST_FILE must list at least one team"))
	}

	if c.Dispatch.Workers < 1 {
		errs = append(errs, errors.New("REGGIE_WORKERS must be at least 1"))
	}
	if c.Dispatch.AckTimeout <= 0 {
		errs = append(errs, errors.New("REGGIE_ACK_TIMEOUT must be positive"))
	}
	if c.Responder.Timeout <= 0 {
		errs = append(errs, errors.New("REGGIE_RESPONDER_TIMEOUT must be positive"))
	}
	if c.Responder.Retries < 0 {
		errs = append(errs, errors.New("REGGIE_RESPONDER_RETRIES must not be negative"))
	}

	if !c.Responder.Provider.Valid() {
		errs = append(errs, fmt.Errorf("REGGIE_PROVIDER %q: %w", c.Responder.Provider, provider.ErrInvalidProvider))
	} else if c.Providers.For(c.Responder.Provider).APIKey == "" {
		errs = append(errs, fmt.Errorf("%s_API_KEY: %w", strings.ToUpper(string(c.Responder.Provider)), provider.ErrNoAPIKey))
	}

	switch c.Ledger.Backend {
	case LedgerMemory, LedgerNone:
	case LedgerSQLite:
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("REGGIE_LEDGER_PATH is required for the sqlite ledger"))
		}
		if !gronx.New().IsValid(c.Ledger.PruneCron) {
			errs = append(errs, fmt.Errorf("REGGIE_LEDGER_PRUNE_CRON %q is not a valid cron expression", c.Ledger.PruneCron))
		}
	default:
		errs = append(errs, fmt.Errorf("REGGIE_LEDGER %q is not one of memory, sqlite, none", c.Ledger.Backend))
	}
	if c.Ledger.Backend != LedgerNone && c.Ledger.TTL <= 0 {
		errs = append(errs, errors.New("REGGIE_LEDGER_TTL must be positive"))
	}

	return errors.Join(errs...)
}

// For returns the credential block of a provider.
func (p ProvidersConfig) For(t domain.ProviderType) ProviderConfig {
	switch t {
	case domain.ProviderAnthropic:
		return p.Anthropic
	case domain.ProviderGemini:
		return p.Gemini
	case domain.ProviderMoonshot:
		return p.Moonshot
	default:
		return p.OpenAI
	}
}

// ProviderConfig builds the responder configuration for the selected
// provider. REGGIE_PROVIDER_BASE_URL overrides the provider's own API base.
func (c *Config) ProviderConfig() provider.ProviderConfig {
	creds := c.Providers.For(c.Responder.Provider)
	base := creds.APIBase
	if c.Responder.BaseURL != "" {
		base = c.Responder.BaseURL
	}
	return provider.ProviderConfig{
		Type:         c.Responder.Provider,
		APIKey:       creds.APIKey,
		APIBase:      base,
		Model:        c.Responder.Model,
		Instructions: c.Responder.Instructions,
		MaxTokens:    c.Responder.MaxTokens,
	}
}

// ListenAddr is the host:port of the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}
