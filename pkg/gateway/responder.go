package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/reggie-ai/reggie/pkg/domain/provider"
	"github.com/reggie-ai/reggie/pkg/logger"
)

const defaultRetryBackoff = 250 * time.Millisecond

// BoundedResponder limits each responder attempt to a timeout and retries a
// failed attempt a fixed number of times.
type BoundedResponder struct {
	inner        provider.Responder
	timeout      time.Duration
	retries      int
	retryBackoff time.Duration
}

// NewBoundedResponder wraps inner. retries is the number of extra attempts
// after the first one fails.
func NewBoundedResponder(inner provider.Responder, timeout time.Duration, retries int) *BoundedResponder {
	if retries < 0 {
		retries = 0
	}
	return &BoundedResponder{
		inner:        inner,
		timeout:      timeout,
		retries:      retries,
		retryBackoff: defaultRetryBackoff,
	}
}

func (b *BoundedResponder) Generate(ctx context.Context, prompt string) (string, error) {
	attempts := b.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err := b.attempt(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err

		logger.WarnCF("responder", "Responder attempt failed", map[string]interface{}{
			"attempt":  attempt,
			"attempts": attempts,
			"error":    err,
		})
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("responder: %w", ctx.Err())
		case <-time.After(b.retryBackoff):
		}
	}
	return "", fmt.Errorf("responder failed after %d attempt(s): %w", attempts, lastErr)
}

type generated struct {
	text string
	err  error
}

// attempt runs one call and returns when it finishes or its deadline passes,
// even if the inner responder ignores ctx.
func (b *BoundedResponder) attempt(ctx context.Context, prompt string) (string, error) {
	actx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan generated, 1)
	go func() {
		text, err := b.inner.Generate(actx, prompt)
		done <- generated{text: text, err: err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-actx.Done():
		return "", actx.Err()
	}
}

var _ provider.Responder = (*BoundedResponder)(nil)
