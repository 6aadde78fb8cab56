// Package persistence provides the envelope ledger: a record of which
// deliveries the gateway has already claimed, so Slack redeliveries are
// acknowledged without being handled twice.
package persistence

import (
	"context"
	"fmt"
	"time"
)

// Ledger records claimed delivery keys.
type Ledger interface {
	// Claim records key and reports whether this is its first claim within
	// the retention window.
	Claim(ctx context.Context, key string) (bool, error)
	// Prune removes records older than the retention window and returns how
	// many were removed.
	Prune(ctx context.Context) (int64, error)
	// Backend names the storage engine for logs and status output.
	Backend() string
	Close() error
}

// LedgerError is a typed error for the ledger.
type LedgerError string

func (e LedgerError) Error() string { return string(e) }

const (
	ErrLedgerClosed LedgerError = "ledger closed"
	ErrEmptyKey     LedgerError = "empty delivery key"
	ErrUnknownStore LedgerError = "unknown ledger backend"
)

// Options selects and sizes a ledger.
type Options struct {
	Backend string
	Path    string
	TTL     time.Duration
}

// Open builds the ledger named by opts.Backend. The "none" backend returns a
// nil Ledger, which callers treat as "no dedupe".
func Open(opts Options) (Ledger, error) {
	switch opts.Backend {
	case "memory", "":
		return NewMemoryLedger(opts.TTL), nil
	case "sqlite":
		return OpenSQLiteLedger(opts.Path, opts.TTL)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%q: %w", opts.Backend, ErrUnknownStore)
	}
}
