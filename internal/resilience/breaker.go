// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit position of one breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type stateChange struct {
	from, to State
}

// Snapshot is a point-in-time view of one breaker, safe to serialize.
type Snapshot struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	ProbeInFlight       bool       `json:"probe_in_flight"`
}

// Breaker implements a circuit breaker for protecting external calls.
// It tracks consecutive failures and opens the circuit when a threshold is
// reached, preventing further calls until a cooldown elapses. Half-open
// admits exactly one probe at a time.
type Breaker struct {
	name        string
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time // for testing
	onChange    func(name string, from, to State)
}

// NewBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and stays open for cooldown before admitting a
// half-open probe.
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		state:       StateClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit admits a call, returning ErrCircuitOpen
// otherwise. fn's error is returned unwrapped so callers can classify it.
func (b *Breaker) Execute(fn func() error) error {
	allowed, change := b.allowRequest()
	b.notify(change)
	if !allowed {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	if err != nil {
		change = b.onFailure()
	} else {
		change = b.onSuccess()
	}
	b.mu.Unlock()
	b.notify(change)

	return err
}

// Snapshot returns the breaker's current state for status reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ProbeInFlight:       b.probing,
	}
	if !b.openedAt.IsZero() && b.state != StateClosed {
		opened := b.openedAt
		s.OpenedAt = &opened
	}
	return s
}

func (b *Breaker) allowRequest() (bool, *stateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			return true, &stateChange{from: StateOpen, to: StateHalfOpen}
		}
		return false, nil
	case StateHalfOpen:
		if b.probing {
			return false, nil
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() *stateChange {
	b.failures++
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
		return &stateChange{from: StateHalfOpen, to: StateOpen}
	}
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
		return &stateChange{from: StateClosed, to: StateOpen}
	}
	return nil
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() *stateChange {
	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		return &stateChange{from: StateHalfOpen, to: StateClosed}
	}
	return nil
}

func (b *Breaker) notify(change *stateChange) {
	if change == nil || b.onChange == nil {
		return
	}
	b.onChange(b.name, change.from, change.to)
}
