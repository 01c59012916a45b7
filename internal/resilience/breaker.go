// Package resilience guards outbound calls to unreliable dependencies with
// circuit breakers and bounded retries. Breakers and retry policies are
// process-local; the credit ledger's consistency does not depend on them.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// ErrCircuitOpen is the sentinel matched by errors.Is when a breaker rejects
// a call without invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpenError reports which dependency's breaker rejected the call and
// how long until the next probe is allowed.
type BreakerOpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open (retry in %s)", e.Name, e.RetryIn.Round(time.Millisecond))
}

func (e *BreakerOpenError) Unwrap() error { return ErrCircuitOpen }

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of classified failures before opening.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration
	// MonitoringPeriod bounds how long failures are remembered while closed.
	// A failure arriving after the period has elapsed since the previous one
	// restarts the count.
	MonitoringPeriod time.Duration
	// IsExpectedFailure decides whether an error counts toward tripping the
	// breaker. Errors it rejects pass through without touching breaker state.
	// Nil counts every error.
	IsExpectedFailure func(error) bool
}

// DefaultBreakerConfig returns the defaults used for chain RPC dependencies.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MonitoringPeriod: 2 * time.Minute,
	}
}

// BreakerStats is a point-in-time snapshot of a breaker.
type BreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
}

// CircuitBreaker gates calls to one named dependency. The lock serializes
// bookkeeping for this instance only; independent breakers never contend.
type CircuitBreaker struct {
	name     string
	config   BreakerConfig
	log      *logger.Logger
	now      func() time.Time
	onChange func(name string, state State)

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
	probing     bool
}

// NewCircuitBreaker creates a breaker for the named dependency.
func NewCircuitBreaker(name string, config BreakerConfig, log *logger.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if log == nil {
		log = logger.NewDefault("breaker")
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		log:    log.WithField("breaker", name),
		now:    time.Now,
		state:  StateClosed,
	}
}

// WithStateHook installs a callback invoked on every state transition, on
// the goroutine that caused it. Used to export breaker state as a gauge.
func (cb *CircuitBreaker) WithStateHook(fn func(name string, state State)) *CircuitBreaker {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
	return cb
}

// WithClock replaces the breaker's clock. Test use only.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
	return cb
}

// Execute runs op through the breaker. An open breaker rejects immediately
// with a BreakerOpenError; the operation is never invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err == nil {
		cb.recordSuccess()
		return nil
	}
	if cb.config.IsExpectedFailure != nil && !cb.config.IsExpectedFailure(err) {
		// Not a dependency failure; pass through without moving the state
		// machine or releasing the half-open probe slot prematurely.
		cb.releaseProbe()
		return err
	}
	cb.recordFailure()
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(cb.nextAttempt) {
			return &BreakerOpenError{Name: cb.name, RetryIn: cb.nextAttempt.Sub(now)}
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return &BreakerOpenError{Name: cb.name, RetryIn: cb.config.RecoveryTimeout}
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.probing = false
	switch cb.state {
	case StateClosed:
		if cb.config.MonitoringPeriod > 0 && !cb.lastFailure.IsZero() &&
			now.Sub(cb.lastFailure) > cb.config.MonitoringPeriod {
			cb.failures = 0
		}
		cb.failures++
		cb.lastFailure = now
		if cb.failures >= cb.config.FailureThreshold {
			cb.nextAttempt = now.Add(cb.config.RecoveryTimeout)
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.lastFailure = now
		cb.nextAttempt = now.Add(cb.config.RecoveryTimeout)
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) transition(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	if next == StateClosed {
		cb.failures = 0
	}
	cb.log.WithField("from", prev.String()).
		WithField("to", next.String()).
		WithField("failures", cb.failures).
		Info("circuit breaker state change")
	if cb.onChange != nil {
		cb.onChange(cb.name, next)
	}
}

// Reset forces the breaker back to closed regardless of history.
// Exposed to operators via the system API.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.lastFailure = time.Time{}
	cb.nextAttempt = time.Time{}
	cb.transition(StateClosed)
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's bookkeeping.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failures,
		LastFailureTime: cb.lastFailure,
		NextAttemptTime: cb.nextAttempt,
	}
}
