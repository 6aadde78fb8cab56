// Package gateway is the event dispatch and acknowledgment engine: it takes
// envelopes from a transport, routes them to a handler, and acknowledges
// every envelope exactly once after its handler returns.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/domain/envelope"
	"github.com/reggie-ai/reggie/pkg/events"
	"github.com/reggie-ai/reggie/pkg/logger"
)

const defaultAckTimeout = 5 * time.Second

// Ledger detects redelivered envelopes.
type Ledger interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// Options tunes the dispatcher.
type Options struct {
	// Workers bounds how many envelopes are handled at once. 1 handles
	// envelopes strictly one after another.
	Workers int
	// AckTimeout bounds each acknowledgment send.
	AckTimeout time.Duration
	// DefaultTenant is used for envelopes that carry no team id.
	DefaultTenant string
}

// Dependencies are the collaborators the dispatcher is built from. Ledger,
// Bus and Direct may be nil.
type Dependencies struct {
	Transport channel.Transport
	Gate      channel.Gate
	Ledger    Ledger
	Bus       *bus.MessageBus

	Mention Handler
	Command Handler
	Direct  Handler
}

// Dispatcher is the acknowledgment coordinator.
type Dispatcher struct {
	deps Dependencies
	opts Options
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	stats counters
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps Dependencies, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	return &Dispatcher{
		deps: deps,
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Run pulls envelopes from the transport until ctx is done or the transport
// closes, then waits for every in-flight envelope to be acknowledged.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()

	logger.InfoCF("gateway", "Dispatcher started", map[string]interface{}{
		"transport": d.deps.Transport.Name(),
		"workers":   d.opts.Workers,
	})

	// Handlers run to completion once started; shutdown only stops intake.
	handleCtx := context.WithoutCancel(ctx)

	for {
		// Take the worker slot before pulling, so with one worker the next
		// envelope is not received until the previous one is acknowledged.
		if err := d.sem.Acquire(ctx, 1); err != nil {
			logger.InfoC("gateway", "Dispatcher stopping")
			return nil
		}

		raw, err := d.deps.Transport.Next(ctx)
		if err != nil {
			d.sem.Release(1)
			if errors.Is(err, channel.ErrTransportClosed) || ctx.Err() != nil {
				logger.InfoC("gateway", "Dispatcher stopping")
				return nil
			}
			return fmt.Errorf("next envelope: %w", err)
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.Process(handleCtx, raw)
		}()
	}
}

// Process classifies, authorizes, routes and handles one envelope, then
// acknowledges it. It always acknowledges exactly once, also when the
// handler panics.
func (d *Dispatcher) Process(ctx context.Context, raw envelope.Raw) (res Result) {
	start := time.Now()
	env := envelope.Classify(raw)
	if env.TenantID == "" {
		env.TenantID = d.opts.DefaultTenant
	}
	lc := envelope.NewLifecycle(env.ID)

	d.stats.received.Add(1)
	d.publish(events.EnvelopeReceived, env, "", 0, "")

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("gateway", "Handler panicked", map[string]interface{}{
				"envelope_id": env.ID,
				"category":    env.Category,
				"panic":       fmt.Sprint(r),
				"stack":       string(debug.Stack()),
			})
			res = Result{Outcome: OutcomePanicked}
		}
		d.acknowledge(ctx, env, lc, res, start)
	}()

	return d.handle(ctx, env, lc)
}

func (d *Dispatcher) handle(ctx context.Context, env envelope.Envelope, lc *envelope.Lifecycle) Result {
	if env.Malformed {
		logger.WarnCF("gateway", "Malformed envelope", map[string]interface{}{
			"envelope_id": env.ID,
			"type":        env.Type,
		})
		return Result{Outcome: OutcomeDropped}
	}

	if d.deps.Gate == nil || !d.deps.Gate.IsAllowed(env.TenantID) {
		logger.WarnCF("gateway", "Tenant not allowed", map[string]interface{}{
			"envelope_id": env.ID,
			"tenant_id":   env.TenantID,
		})
		return Result{Outcome: OutcomeDenied}
	}

	if d.deps.Ledger != nil {
		fresh, err := d.deps.Ledger.Claim(ctx, env.DedupeKey())
		switch {
		case err != nil:
			logger.WarnCF("gateway", "Ledger claim failed, handling anyway", map[string]interface{}{
				"envelope_id": env.ID,
				"error":       err,
			})
		case !fresh:
			logger.InfoCF("gateway", "Redelivered envelope", map[string]interface{}{
				"envelope_id":   env.ID,
				"dedupe_key":    env.DedupeKey(),
				"retry_attempt": env.RetryAttempt,
			})
			return Result{Outcome: OutcomeDuplicate}
		}
	}

	h := d.route(env)
	if h == nil {
		return Result{Outcome: OutcomeIgnored}
	}

	if err := lc.Dispatch(); err != nil {
		logger.ErrorCF("gateway", "Lifecycle refused dispatch", map[string]interface{}{
			"envelope_id": env.ID,
			"error":       err,
		})
		return Result{Outcome: OutcomeDropped}
	}
	d.publish(events.EnvelopeDispatched, env, "", 0, "")
	d.deps.Bus.PublishInbound(inboundOf(env))

	return h.Handle(ctx, env)
}

// route picks the handler for an envelope, or nil when none applies.
func (d *Dispatcher) route(env envelope.Envelope) Handler {
	switch p := env.Payload.(type) {
	case envelope.MessageEvent:
		switch {
		case p.Subtype == envelope.SubtypeAppMention:
			return d.deps.Mention
		case p.Subtype == envelope.SubtypeMessage && p.ChannelType == envelope.ChannelTypeIM && d.deps.Direct != nil:
			return d.deps.Direct
		}
	case envelope.SlashCommand:
		return d.deps.Command
	}
	return nil
}

// acknowledge moves the envelope to ACKNOWLEDGED and sends the ack. The send
// is detached from ctx cancellation and bounded by AckTimeout.
func (d *Dispatcher) acknowledge(ctx context.Context, env envelope.Envelope, lc *envelope.Lifecycle, res Result, start time.Time) {
	if err := lc.Acknowledge(); err != nil {
		logger.ErrorCF("gateway", "Refusing second acknowledgment", map[string]interface{}{
			"envelope_id": env.ID,
			"error":       err,
		})
		return
	}
	d.stats.record(res.Outcome)

	failure := ""
	if res.Failure != nil {
		failure = res.Failure.Error()
	}
	elapsed := time.Since(start)

	if env.ID == "" {
		// Nothing to correlate an ack with; the transport expects none.
		logger.DebugCF("gateway", "Envelope without id, no ack sent", map[string]interface{}{
			"category": env.Category,
			"outcome":  res.Outcome,
		})
		return
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.AckTimeout)
	defer cancel()

	if err := d.deps.Transport.Ack(ackCtx, env.ID); err != nil {
		d.stats.ackFailures.Add(1)
		logger.ErrorCF("gateway", "Acknowledgment failed", map[string]interface{}{
			"envelope_id": env.ID,
			"category":    env.Category,
			"outcome":     res.Outcome,
			"error":       err,
		})
		d.publish(events.EnvelopeAckFailed, env, res.Outcome, elapsed, err.Error())
		return
	}

	d.stats.acknowledged.Add(1)
	logger.InfoCF("gateway", "Envelope acknowledged", map[string]interface{}{
		"envelope_id": env.ID,
		"category":    env.Category,
		"outcome":     res.Outcome,
		"duration_ms": elapsed.Milliseconds(),
	})
	d.publish(eventFor(res.Outcome), env, res.Outcome, elapsed, failure)
}

func (d *Dispatcher) publish(eventType string, env envelope.Envelope, outcome Outcome, elapsed time.Duration, errText string) {
	d.deps.Bus.PublishSystem(events.New(eventType, "gateway", events.EnvelopeEventData{
		EnvelopeID: env.ID,
		Category:   env.Category.String(),
		TenantID:   env.TenantID,
		Outcome:    outcome.String(),
		DurationMS: elapsed.Milliseconds(),
		Error:      errText,
	}))
}

func eventFor(o Outcome) string {
	switch o {
	case OutcomeDenied:
		return events.EnvelopeDenied
	case OutcomeDuplicate:
		return events.EnvelopeDuplicate
	case OutcomeDropped:
		return events.EnvelopeDropped
	default:
		return events.EnvelopeAcknowledged
	}
}

func inboundOf(env envelope.Envelope) bus.InboundMessage {
	msg := bus.InboundMessage{
		EnvelopeID: env.ID,
		Category:   env.Category.String(),
		TenantID:   env.TenantID,
	}
	switch p := env.Payload.(type) {
	case envelope.MessageEvent:
		msg.ChatID, msg.SenderID, msg.Content = p.Channel, p.User, truncate(p.Text, previewLen)
	case envelope.SlashCommand:
		msg.ChatID, msg.SenderID, msg.Content = p.ChannelID, p.UserID, truncate(p.Command+" "+p.Text, previewLen)
	}
	return msg
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Received     int64 `json:"received"`
	Acknowledged int64 `json:"acknowledged"`
	AckFailures  int64 `json:"ack_failures"`
	Replied      int64 `json:"replied"`
	Fallbacks    int64 `json:"fallbacks"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
	Ignored      int64 `json:"ignored"`
	Denied       int64 `json:"denied"`
	Duplicates   int64 `json:"duplicates"`
	Panics       int64 `json:"panics"`
}

type counters struct {
	received, acknowledged, ackFailures          atomic.Int64
	replied, fallbacks, failed, dropped, ignored atomic.Int64
	denied, duplicates, panics                   atomic.Int64
}

func (c *counters) record(o Outcome) {
	switch o {
	case OutcomeReplied, OutcomeUsage:
		c.replied.Add(1)
	case OutcomeFallback:
		c.fallbacks.Add(1)
	case OutcomeFailed:
		c.failed.Add(1)
	case OutcomeDropped:
		c.dropped.Add(1)
	case OutcomeIgnored:
		c.ignored.Add(1)
	case OutcomeDenied:
		c.denied.Add(1)
	case OutcomeDuplicate:
		c.duplicates.Add(1)
	case OutcomePanicked:
		c.panics.Add(1)
	}
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:     d.stats.received.Load(),
		Acknowledged: d.stats.acknowledged.Load(),
		AckFailures:  d.stats.ackFailures.Load(),
		Replied:      d.stats.replied.Load(),
		Fallbacks:    d.stats.fallbacks.Load(),
		Failed:       d.stats.failed.Load(),
		Dropped:      d.stats.dropped.Load(),
		Ignored:      d.stats.ignored.Load(),
		Denied:       d.stats.denied.Load(),
		Duplicates:   d.stats.duplicates.Load(),
		Panics:       d.stats.panics.Load(),
	}
}
