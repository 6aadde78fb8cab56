// Package app is the composition root: it builds every gateway component from
// configuration and runs them as one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reggie-ai/reggie/pkg/api"
	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/channels"
	"github.com/reggie-ai/reggie/pkg/config"
	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/provider"
	"github.com/reggie-ai/reggie/pkg/events"
	"github.com/reggie-ai/reggie/pkg/gateway"
	"github.com/reggie-ai/reggie/pkg/infrastructure/persistence"
	"github.com/reggie-ai/reggie/pkg/logger"
	"github.com/reggie-ai/reggie/pkg/providers"
)

const (
	shutdownTimeout = 10 * time.Second
	identifyTimeout = 10 * time.Second
)

// ---------------------------------------------------------------------------
// Application container: dependency injection root
// ---------------------------------------------------------------------------

// Container holds the wired gateway.
type Container struct {
	Config *config.Config
	Bus    *bus.MessageBus

	Ledger    persistence.Ledger
	Pruner    *persistence.Pruner
	Responder provider.Responder

	Transport channel.Transport
	Poster    channel.Poster
	Identity  channel.Identity

	Dispatcher *gateway.Dispatcher
	// API is nil for the console transport.
	API *api.Server

	slackRoutes map[string]http.Handler
	startTime   time.Time
}

// Options carries what cannot come from the environment.
type Options struct {
	// In and Out back the console transport.
	In  io.ReadCloser
	Out io.Writer
	// Responder replaces the provider built from configuration.
	Responder provider.Responder
}

// NewContainer creates a fully wired container. ctx bounds startup calls
// such as the auth.test identity lookup.
func NewContainer(ctx context.Context, cfg *config.Config, opts Options) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Container{
		Config:    cfg,
		Bus:       bus.NewMessageBus(),
		startTime: time.Now(),
	}

	if err := c.buildLedger(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildResponder(ctx, opts.Responder); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildTransport(ctx, opts); err != nil {
		c.Close()
		return nil, err
	}
	c.buildDispatcher()
	c.buildAPI()

	logger.InfoCF("app", "Gateway wired", map[string]interface{}{
		"transport":    cfg.Transport,
		"provider":     cfg.Responder.Provider,
		"ledger":       cfg.Ledger.Backend,
		"workers":      cfg.Dispatch.Workers,
		"tenants":      len(cfg.Access.AllowedTeams),
		"self_user_id": c.Identity.UserID,
	})
	return c, nil
}

func (c *Container) buildLedger() error {
	ledger, err := persistence.Open(persistence.Options{
		Backend: c.Config.Ledger.Backend,
		Path:    c.Config.Ledger.Path,
		TTL:     c.Config.Ledger.TTL,
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	c.Ledger = ledger
	// The memory ledger expires entries itself.
	if ledger != nil && c.Config.Ledger.Backend == config.LedgerSQLite {
		c.Pruner = persistence.NewPruner(ledger, c.Config.Ledger.PruneCron, c.Bus)
	}
	return nil
}

func (c *Container) buildResponder(ctx context.Context, override provider.Responder) error {
	inner := override
	if inner == nil {
		p, err := providers.CreateProvider(ctx, c.Config.ProviderConfig())
		if err != nil {
			return fmt.Errorf("create responder: %w", err)
		}
		inner = p
	}
	c.Responder = gateway.NewBoundedResponder(inner, c.Config.Responder.Timeout, c.Config.Responder.Retries)
	return nil
}

func (c *Container) buildTransport(ctx context.Context, opts Options) error {
	cfg := c.Config
	switch cfg.Transport {
	case domain.TransportConsole:
		ct := channels.NewConsoleTransport(config.ConsoleTenant, opts.In, opts.Out)
		c.Transport = ct
		c.Poster = channels.NewConsolePoster(ct.Writer)
		c.Identity = channel.Identity{UserID: channels.ConsoleBot, TeamID: config.ConsoleTenant}
		return nil

	case domain.TransportSocket, domain.TransportHTTP:
		slackAPI := channels.NewSlackAPI(channels.SlackCredentials{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
			APIURL:   cfg.Slack.APIURL,
		})
		poster := channels.NewSlackPoster(slackAPI)

		idCtx, cancel := context.WithTimeout(ctx, identifyTimeout)
		defer cancel()
		identity, err := poster.Identify(idCtx)
		if err != nil {
			return fmt.Errorf("identify bot: %w", err)
		}
		c.Identity = identity
		c.Poster = poster

		if cfg.Transport == domain.TransportSocket {
			c.Transport = channels.NewSocketTransport(slackAPI, c.Bus)
			return nil
		}

		ht := channels.NewHTTPTransport(cfg.Slack.SigningSecret, c.Bus, channels.WithQueueSize(cfg.Gateway.Queue))
		c.Transport = ht
		c.slackRoutes = map[string]http.Handler{
			"/slack/events":   ht.EventsHandler(),
			"/slack/commands": ht.CommandsHandler(),
		}
		return nil

	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func (c *Container) buildDispatcher() {
	cfg := c.Config
	reactor, _ := c.Poster.(channel.Reactor)

	deps := gateway.Dependencies{
		Transport: c.Transport,
		Gate:      channel.NewAccessControlList(cfg.Access.AllowedTeams),
		Bus:       c.Bus,
		Mention: gateway.NewMentionHandler(c.Responder, c.Poster, reactor, c.Bus, gateway.MentionOptions{
			SelfUserID:     c.Identity.UserID,
			ReactOnMention: cfg.Dispatch.ReactOnMention,
			ReplyInThread:  cfg.Dispatch.ReplyInThread,
		}),
		Command: gateway.NewCommandHandler(c.Responder, c.Poster, c.Bus),
	}
	if c.Ledger != nil {
		deps.Ledger = c.Ledger
	}
	if cfg.Dispatch.DirectMessages {
		deps.Direct = gateway.NewDirectHandler(c.Responder, c.Poster, c.Bus, c.Identity.UserID)
	}

	c.Dispatcher = gateway.NewDispatcher(deps, gateway.Options{
		Workers:       cfg.Dispatch.Workers,
		AckTimeout:    cfg.Dispatch.AckTimeout,
		DefaultTenant: c.Identity.TeamID,
	})
}

// buildAPI serves the operational API next to the Slack transports. The
// console runs without it.
func (c *Container) buildAPI() {
	if c.Config.Transport == domain.TransportConsole {
		return
	}
	c.API = api.NewServer(c.Config, c.Dispatcher, c.Transport, c.Bus)
	for pattern, h := range c.slackRoutes {
		c.API.Handle(pattern, h)
	}
}

// Run starts the transport and serves until ctx is done or the transport
// closes. In-flight envelopes are handled and acknowledged before the
// transport is stopped.
func (c *Container) Run(ctx context.Context) error {
	if err := c.Transport.Start(ctx); err != nil {
		return fmt.Errorf("start %s transport: %w", c.Transport.Name(), err)
	}
	if c.API != nil {
		if err := c.API.Start(ctx); err != nil {
			c.stopTransport()
			return fmt.Errorf("start api server: %w", err)
		}
	}

	c.Bus.PublishSystem(events.New(events.SystemStarted, "app", events.SystemEventData{
		Transport: c.Transport.Name().String(),
		Provider:  c.Config.Responder.Provider.String(),
	}))
	logger.InfoCF("app", "Gateway running", map[string]interface{}{
		"transport": c.Transport.Name(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// A closed transport ends the whole group.
		defer cancel()
		return c.Dispatcher.Run(gctx)
	})
	if c.Pruner != nil {
		g.Go(func() error { return c.Pruner.Run(gctx) })
	}
	err := g.Wait()

	c.Bus.PublishSystem(events.New(events.SystemStopping, "app", events.SystemEventData{
		Uptime:    int64(time.Since(c.startTime).Seconds()),
		Transport: c.Transport.Name().String(),
	}))
	logger.InfoC("app", "Gateway stopping")

	c.stopTransport()
	if c.API != nil {
		if stopErr := c.API.Stop(); stopErr != nil {
			logger.WarnCF("app", "API server shutdown", map[string]interface{}{"error": stopErr})
		}
	}
	return err
}

func (c *Container) stopTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Transport.Stop(ctx); err != nil && !errors.Is(err, channel.ErrNotStarted) {
		logger.WarnCF("app", "Transport shutdown", map[string]interface{}{
			"transport": c.Transport.Name(),
			"error":     err,
		})
	}
}

// Close releases the ledger and the bus. Call it after Run returns.
func (c *Container) Close() {
	if c.Ledger != nil {
		if err := c.Ledger.Close(); err != nil {
			logger.WarnCF("app", "Ledger close", map[string]interface{}{"error": err})
		}
	}
	c.Bus.Close()
}
