// Package circuitbreaker stops calling the forecast API after repeated failures
// and lets a few probe calls through once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call without running fn while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the breaker state. The numeric value is what the state gauge reports.
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters. Zero values take the defaults in New.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	Component        string

	// Counts decides whether an error from fn counts toward opening the circuit.
	// Nil counts every error except context cancellation.
	Counts func(error) bool

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(component string, from, to State)

	now func() time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Component == "" {
		cfg.Component = "forecast_api"
	}
	if cfg.Counts == nil {
		cfg.Counts = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Call runs fn if the circuit admits it and records the outcome.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.cfg.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
		cb.mu.Unlock()
		return ErrOpen
	}
	cb.successes = 0
	notify := cb.transition(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	notify := func() {}
	switch {
	case err != nil && cb.cfg.Counts(err):
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.failures = 0
			cb.openedAt = cb.cfg.now()
			notify = cb.transition(StateOpen)
		}
	case err != nil:
		// not the upstream's fault; leave counters alone
	default:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.successes = 0
				notify = cb.transition(StateClosed)
			}
		}
	}
	cb.mu.Unlock()
	notify()
}

// transition must be called with mu held. The returned func fires the callback.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.cfg.OnStateChange == nil {
		return func() {}
	}
	component, hook := cb.cfg.Component, cb.cfg.OnStateChange
	return func() { hook(component, from, to) }
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Open reports whether calls are currently being refused. Used by the health check.
func (cb *CircuitBreaker) Open() bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == StateOpen && cb.cfg.now().Sub(cb.openedAt) < cb.cfg.Cooldown
}
