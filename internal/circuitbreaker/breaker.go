// Package circuitbreaker tracks consecutive delivery failures per endpoint
// and stops calling an endpoint for a cooldown once it keeps failing.
//
// After the cooldown a single probe is let through (half-open). Its outcome
// closes the circuit or opens it again for another cooldown.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type endpoint struct {
	state    State
	failures int
	openedAt time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	cooldown  time.Duration
	clock     clockwork.Clock
}

// New returns a breaker that opens after threshold consecutive failures and
// probes again after cooldown.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clockwork.NewRealClock(),
	}
}

func (cb *CircuitBreaker) WithClock(clock clockwork.Clock) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow returns ErrCircuitOpen when calls to target should be skipped.
func (cb *CircuitBreaker) Allow(target string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.endpoints[target]
	if !ok {
		return nil
	}

	switch e.state {
	case StateOpen:
		if cb.clock.Since(e.openedAt) >= cb.cooldown {
			e.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		// Probe in flight.
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.endpoints, target)
}

func (cb *CircuitBreaker) RecordFailure(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.endpoints[target]
	if !ok {
		e = &endpoint{}
		cb.endpoints[target] = e
	}

	e.failures++
	if e.state == StateHalfOpen || e.failures >= cb.threshold {
		e.state = StateOpen
		e.openedAt = cb.clock.Now()
	}
}

// State reports the circuit state of target.
func (cb *CircuitBreaker) State(target string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if e, ok := cb.endpoints[target]; ok {
		return e.state
	}
	return StateClosed
}

// Open lists the endpoints whose circuit is not closed.
func (cb *CircuitBreaker) Open() map[string]State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make(map[string]State)
	for target, e := range cb.endpoints {
		if e.state != StateClosed {
			out[target] = e.state
		}
	}
	return out
}
