// Package fallback protects collaborator calls with a circuit breaker.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrOpen is returned without calling the protected function while a
// circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited requests to test recovery.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing collaborator for a cool-down
// period, then lets a few trial requests through before closing again.
type CircuitBreaker struct {
	name string

	maxFailures      int
	resetTimeout     time.Duration
	halfOpenRequests int
	now              func() time.Time

	mu                sync.Mutex
	state             CircuitState
	failures          int
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	totalRequests int64
	totalFailures int64
	circuitOpens  int64

	onStateChange func(name string, from, to CircuitState)
}

// CircuitOption configures a circuit breaker.
type CircuitOption func(*CircuitBreaker)

// WithMaxFailures sets the consecutive failure threshold.
func WithMaxFailures(n int) CircuitOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.maxFailures = n
		}
	}
}

// WithResetTimeout sets the cool-down before trial requests are allowed.
func WithResetTimeout(d time.Duration) CircuitOption {
	return func(cb *CircuitBreaker) {
		cb.resetTimeout = d
	}
}

// WithHalfOpenRequests sets how many trial requests must succeed to close.
func WithHalfOpenRequests(n int) CircuitOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenRequests = n
		}
	}
}

// WithStateChangeCallback is called, under no lock, on every transition.
func WithStateChangeCallback(fn func(name string, from, to CircuitState)) CircuitOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, opts ...CircuitOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		maxFailures:      5,
		resetTimeout:     30 * time.Second,
		halfOpenRequests: 1,
		now:              time.Now,
		state:            StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute calls fn unless the circuit is open. Context cancellation of the
// caller is not counted as a collaborator failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)

	var change *transition
	cb.mu.Lock()
	switch {
	case err == nil:
		change = cb.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if cb.state == StateHalfOpen {
			cb.halfOpenInFlight--
		}
	default:
		cb.totalFailures++
		change = cb.onFailure()
	}
	cb.mu.Unlock()
	cb.notify(change)

	return err
}

type transition struct{ from, to CircuitState }

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	var change *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(change)
	}()

	cb.totalRequests++

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return fmt.Errorf("%w: %s", ErrOpen, cb.name)
		}
		change = cb.transitionTo(StateHalfOpen)
		cb.halfOpenInFlight++
		return nil
	case StateHalfOpen:
		if cb.halfOpenInFlight+cb.halfOpenSuccesses >= cb.halfOpenRequests {
			return fmt.Errorf("%w: %s", ErrOpen, cb.name)
		}
		cb.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) onSuccess() *transition {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenInFlight--
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.halfOpenRequests {
			return cb.transitionTo(StateClosed)
		}
	}
	return nil
}

func (cb *CircuitBreaker) onFailure() *transition {
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			return cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenInFlight--
		return cb.transitionTo(StateOpen)
	}
	return nil
}

// transitionTo changes state. The caller holds cb.mu.
func (cb *CircuitBreaker) transitionTo(next CircuitState) *transition {
	if cb.state == next {
		return nil
	}
	prev := cb.state
	cb.state = next

	switch next {
	case StateClosed:
		cb.failures = 0
	case StateOpen:
		cb.circuitOpens++
		cb.openedAt = cb.now()
	}
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0

	return &transition{from: prev, to: next}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t != nil && cb.onStateChange != nil {
		cb.onStateChange(cb.name, t.from, t.to)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker counters.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitStats{
		Name:            cb.name,
		State:           cb.state.String(),
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		CircuitOpens:    cb.circuitOpens,
		CurrentFailures: cb.failures,
	}
}

// CircuitStats contains circuit breaker statistics.
type CircuitStats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	CircuitOpens    int64  `json:"circuit_opens"`
	CurrentFailures int    `json:"current_failures"`
}

// Group hands out one breaker per collaborator endpoint.
type Group struct {
	mu       sync.RWMutex
	opts     []CircuitOption
	breakers map[string]*CircuitBreaker
}

// NewGroup creates a group whose breakers share opts.
func NewGroup(opts ...CircuitOption) *Group {
	return &Group{
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it if necessary.
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.RLock()
	cb, exists := g.breakers[name]
	g.mu.RUnlock()
	if exists {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, exists := g.breakers[name]; exists {
		return cb
	}
	cb = NewCircuitBreaker(name, g.opts...)
	g.breakers[name] = cb
	return cb
}

// Stats returns the counters of every breaker in the group, ordered by name.
func (g *Group) Stats() []CircuitStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make([]CircuitStats, 0, len(g.breakers))
	for _, cb := range g.breakers {
		stats = append(stats, cb.Stats())
	}
	slices.SortFunc(stats, func(a, b CircuitStats) int { return strings.Compare(a.Name, b.Name) })
	return stats
}
