package persistence

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/events"
	"github.com/reggie-ai/reggie/pkg/logger"
)

// Pruner prunes a ledger on a cron schedule.
type Pruner struct {
	ledger Ledger
	expr   string
	bus    *bus.MessageBus

	// next returns the next run time; replaced in tests.
	next func() (time.Time, error)
}

// NewPruner creates a pruner for ledger that fires on the cron expression expr.
func NewPruner(ledger Ledger, expr string, mb *bus.MessageBus) *Pruner {
	p := &Pruner{ledger: ledger, expr: expr, bus: mb}
	p.next = func() (time.Time, error) {
		return gronx.NextTick(p.expr, false)
	}
	return p
}

// Run blocks, pruning on every tick, until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	logger.InfoCF("ledger", "Pruner started", map[string]interface{}{
		"backend":  p.ledger.Backend(),
		"schedule": p.expr,
	})

	for {
		at, err := p.next()
		if err != nil {
			logger.ErrorCF("ledger", "Invalid prune schedule", map[string]interface{}{
				"schedule": p.expr,
				"error":    err,
			})
			return err
		}

		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("ledger", "Pruner stopped")
			return nil
		case <-timer.C:
		}

		p.pruneOnce(ctx)
	}
}

func (p *Pruner) pruneOnce(ctx context.Context) {
	removed, err := p.ledger.Prune(ctx)
	if err != nil {
		logger.WarnCF("ledger", "Prune failed", map[string]interface{}{
			"backend": p.ledger.Backend(),
			"error":   err,
		})
		return
	}
	logger.DebugCF("ledger", "Pruned expired claims", map[string]interface{}{
		"backend": p.ledger.Backend(),
		"removed": removed,
	})
	p.bus.PublishSystem(events.New(events.LedgerPruned, "ledger", events.LedgerEventData{
		Backend: p.ledger.Backend(),
		Removed: removed,
	}))
}
