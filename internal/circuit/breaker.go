// Package circuit stops calling a remote dependency after repeated failures
// and probes it again after a cool-down. zstore guards the object-store
// cursor with it so an unreachable bucket does not stall every rollover.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets calls through
	StateClosed State = iota
	// StateOpen rejects calls until the timeout elapses
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe budget is used up
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config contains circuit breaker configuration
type Config struct {
	// MaxFailures consecutive failures open the breaker
	MaxFailures uint32 `yaml:"max_failures"`

	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration `yaml:"timeout"`

	// MaxRequests probe calls are allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// Counts holds the numbers of requests and their outcomes since the last state change
type Counts struct {
	Requests            uint32 `json:"requests"`
	Successes           uint32 `json:"successes"`
	Failures            uint32 `json:"failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	return &CircuitBreaker{name: name, config: config, now: time.Now}
}

// Execute runs fn if the breaker allows it and records the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if cb.counts.Requests >= cb.config.MaxRequests {
			return ErrTooManyRequests
		}
	}
	cb.counts.Requests++
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	if err == nil {
		cb.counts.Successes++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	cb.counts.Failures++
	cb.counts.ConsecutiveFailures++
	if state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.config.MaxFailures {
		cb.setState(StateOpen)
	}
}

// currentState moves an expired open breaker to half-open. Callers hold mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.config.Timeout)) {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.counts = Counts{}
	if state == StateOpen {
		cb.openedAt = cb.now()
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// GetCounts returns a copy of the current counts
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.counts = Counts{}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string { return cb.name }
