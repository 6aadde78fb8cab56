package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryLedger keeps claimed keys in a TTL cache. Entries expire on their
// own; Prune only forces the sweep.
type MemoryLedger struct {
	cache *ttlcache.Cache[string, time.Time]

	mu     sync.RWMutex
	closed bool
}

// NewMemoryLedger creates an in-memory ledger that forgets keys after ttl.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	c := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](ttl),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go c.Start()
	return &MemoryLedger{cache: c}
}

func (l *MemoryLedger) Claim(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false, ErrLedgerClosed
	}
	_, found := l.cache.GetOrSet(key, time.Now())
	return !found, nil
}

func (l *MemoryLedger) Prune(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrLedgerClosed
	}
	before := l.cache.Len()
	l.cache.DeleteExpired()
	return int64(before - l.cache.Len()), nil
}

func (l *MemoryLedger) Backend() string { return "memory" }

// Close stops the cache expiration loop.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cache.Stop()
	return nil
}
