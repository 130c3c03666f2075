// Package resilience provides retry and circuit breaker primitives for source
// fetches and tenant storage writes.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before one probe call
	// is let through.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count as failures. Nil counts every error.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the breaker lock held.
	OnStateChange func(from, to CircuitState)
}

// StorageBreakerConfig is the breaker guarding tenant storage. A threshold
// of zero or less keeps the default of 5.
func StorageBreakerConfig(failureThreshold int) CircuitBreakerConfig {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return CircuitBreakerConfig{
		FailureThreshold: failureThreshold,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker counts consecutive failures of one dependency and rejects
// calls while it is open. Rejections name the failure that opened it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	lastErr  error

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := StorageBreakerConfig(cfg.FailureThreshold)
	cfg.FailureThreshold = def.FailureThreshold
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, nowFunc: time.Now}
}

// Execute runs fn unless the circuit is open, in which case it returns an
// error wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// State returns the current circuit state. An open circuit whose reset
// timeout has passed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.cooledDown() {
		cb.transition(CircuitHalfOpen)
		return nil
	}
	return eris.Wrapf(ErrCircuitOpen, "after %d consecutive failures (last: %v)", cb.failures, cb.lastErr)
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || (cb.cfg.ShouldTrip != nil && !cb.cfg.ShouldTrip(err)) {
		cb.failures = 0
		cb.lastErr = nil
		if cb.state == CircuitHalfOpen {
			cb.transition(CircuitClosed)
		}
		return
	}

	cb.failures++
	cb.lastErr = err
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.nowFunc()
		if cb.state != CircuitOpen {
			cb.transition(CircuitOpen)
		}
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
