// Package resilience guards calls to flaky dependencies such as the hosted
// row store.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // Normal operation
	CircuitOpen     CircuitState = "OPEN"      // Failing, rejecting calls
	CircuitHalfOpen CircuitState = "HALF_OPEN" // Probing whether the dependency recovered
)

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the defaults used for the row store.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         15 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern around context-aware calls.
type Breaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	openedAt        time.Time
	lastStateChange time.Time
	onStateChange   func(name string, from, to CircuitState)

	totalCalls     int64
	totalFailures  int64
	totalRejected  int64
	totalSuccesses int64
}

// NewBreaker creates a closed circuit breaker.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &Breaker{
		name:            name,
		config:          config,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// SetClock replaces the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnStateChange registers a callback fired after every transition. The
// callback runs without the breaker lock held.
func (b *Breaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Execute runs fn unless the circuit is open. Failures of fn count toward
// opening the circuit; a cancelled ctx does not.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed, moving an open circuit to
// half-open once the cooldown has passed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var notify func()
	defer func() {
		b.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.config.Cooldown {
			notify = b.transitionLocked(CircuitHalfOpen)
			b.totalCalls++
			return nil
		}
		b.totalRejected++
		return ErrCircuitOpen
	default:
		b.totalCalls++
		return nil
	}
}

// Record feeds the outcome of an allowed call into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	var notify func()
	defer func() {
		b.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if err == nil {
		b.totalSuccesses++
		switch b.state {
		case CircuitHalfOpen:
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				notify = b.transitionLocked(CircuitClosed)
			}
		case CircuitClosed:
			b.failures = 0
		}
		return
	}

	b.totalFailures++
	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			notify = b.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		notify = b.transitionLocked(CircuitOpen)
	}
}

func (b *Breaker) transitionLocked(to CircuitState) func() {
	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	b.failures = 0
	b.successes = 0
	if to == CircuitOpen {
		b.openedAt = b.lastStateChange
	}
	if b.onStateChange == nil || from == to {
		return nil
	}
	fn, name := b.onStateChange, b.name
	return func() { fn(name, from, to) }
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.transitionLocked(CircuitClosed)
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// BreakerStats holds circuit breaker statistics.
type BreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	TotalCalls      int64        `json:"totalCalls"`
	TotalSuccesses  int64        `json:"totalSuccesses"`
	TotalFailures   int64        `json:"totalFailures"`
	TotalRejected   int64        `json:"totalRejected"`
	CurrentFailures int          `json:"currentFailures"`
	LastStateChange time.Time    `json:"lastStateChange"`
}

// Stats returns circuit breaker statistics.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:            b.name,
		State:           b.state,
		TotalCalls:      b.totalCalls,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalRejected:   b.totalRejected,
		CurrentFailures: b.failures,
		LastStateChange: b.lastStateChange,
	}
}

// FailureRate returns the failure rate as a percentage.
func (s BreakerStats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalCalls) * 100
}
