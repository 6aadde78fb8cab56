package envelope

import (
	"fmt"
	"sync"
)

// State is a step in an envelope's acknowledgment lifecycle.
type State int

const (
	StateReceived State = iota
	StateDispatched
	StateAcknowledged
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDispatched:
		return "dispatched"
	case StateAcknowledged:
		return "acknowledged"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Lifecycle tracks one envelope through RECEIVED → DISPATCHED → ACKNOWLEDGED.
// RECEIVED → ACKNOWLEDGED is also legal for envelopes that no handler takes.
// Acknowledged is terminal.
type Lifecycle struct {
	id string

	mu    sync.Mutex
	state State
}

// NewLifecycle starts tracking an envelope in the RECEIVED state.
func NewLifecycle(id string) *Lifecycle {
	return &Lifecycle{id: id, state: StateReceived}
}

// ID returns the envelope id the lifecycle correlates to.
func (l *Lifecycle) ID() string { return l.id }

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Dispatch moves RECEIVED → DISPATCHED.
func (l *Lifecycle) Dispatch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateReceived {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, StateDispatched)
	}
	l.state = StateDispatched
	return nil
}

// Acknowledge moves RECEIVED or DISPATCHED → ACKNOWLEDGED. A second call
// returns ErrAlreadyAcknowledged so the caller never sends a duplicate ack.
func (l *Lifecycle) Acknowledge() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateAcknowledged {
		return ErrAlreadyAcknowledged
	}
	l.state = StateAcknowledged
	return nil
}
