package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/mcncl/slowhello/internal/errors"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed lets every publish through
	StateClosed CircuitState = iota
	// StateOpen fails every publish immediately
	StateOpen
	// StateHalfOpen lets a few probes through to test recovery
	StateHalfOpen
)

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

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// MaxHalfOpenRequests caps concurrent probes
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns the defaults used for outcome events
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 3,
	}
}

// CircuitBreaker wraps a Publisher so a dead backend fails fast instead of
// holding a goroutine per request until the publish deadline.
type CircuitBreaker struct {
	publisher Publisher
	config    CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	openedAt             time.Time
	lastStateChange      time.Time
	onStateChange        func(from, to CircuitState)

	now func() time.Time
}

// NewCircuitBreaker wraps a publisher with circuit breaker protection
func NewCircuitBreaker(pub Publisher, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		publisher:       pub,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// SetOnStateChange sets a callback run after every state change. It is
// called without the breaker's lock held.
func (cb *CircuitBreaker) SetOnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":                 cb.state.String(),
		"consecutive_failures":  cb.consecutiveFailures,
		"consecutive_successes": cb.consecutiveSuccesses,
		"opened_at":             cb.openedAt,
		"last_state_change":     cb.lastStateChange,
	}
}

// Publish publishes a message through the circuit breaker. Only retryable
// failures count against the circuit.
func (cb *CircuitBreaker) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	if err := cb.before(); err != nil {
		return "", err
	}

	msgID, err := cb.publisher.Publish(ctx, data, attributes)
	cb.after(err)

	return msgID, err
}

// Close closes the underlying publisher
func (cb *CircuitBreaker) Close() error {
	return cb.publisher.Close()
}

// Reset manually returns the circuit breaker to the closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.mu.Unlock()

	notify()
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()

	var notify func()
	var err error

	switch cb.state {
	case StateOpen:
		if wait := cb.config.Timeout - cb.now().Sub(cb.openedAt); wait > 0 {
			err = errors.WithDetails(
				errors.NewConnectionError("circuit breaker is open"),
				map[string]interface{}{"retry_in": wait.Round(time.Millisecond).String()},
			)
			break
		}
		notify = cb.transitionLocked(StateHalfOpen)
		cb.halfOpenRequests = 1

	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			err = errors.NewConnectionError("circuit breaker is half-open and at its probe limit")
			break
		}
		cb.halfOpenRequests++
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	return err
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()

	notify := func() {}
	switch {
	case err == nil:
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}

	case errors.IsRetryable(err):
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		if cb.state == StateHalfOpen ||
			(cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold) {
			notify = cb.transitionLocked(StateOpen)
		}
	}
	cb.mu.Unlock()

	notify()
}

// transitionLocked changes state and returns a function that reports the
// change once the lock has been released.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}

	cb.state = to
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0
	if to == StateOpen {
		cb.openedAt = cb.lastStateChange
	}

	fn := cb.onStateChange
	return func() {
		if fn != nil {
			fn(from, to)
		}
	}
}
