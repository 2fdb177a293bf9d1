package publisher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcncl/slowhello/internal/errors"
)

// FailingMockPublisher fails a specified number of times before succeeding
type FailingMockPublisher struct {
	mu           sync.Mutex
	failuresLeft int
	failWith     error
	publishCount int
}

func NewFailingMockPublisher(failCount int) *FailingMockPublisher {
	return &FailingMockPublisher{
		failuresLeft: failCount,
		failWith:     errors.NewConnectionError("simulated failure"),
	}
}

func (m *FailingMockPublisher) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishCount++
	if m.failuresLeft > 0 {
		m.failuresLeft--
		return "", m.failWith
	}
	return "success-id", nil
}

func (m *FailingMockPublisher) Close() error {
	return nil
}

func (m *FailingMockPublisher) SetFailures(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failuresLeft = count
}

func (m *FailingMockPublisher) PublishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishCount
}

// fakeClock lets tests move past the open timeout without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(pub Publisher) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(pub, CircuitBreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 2,
	})
	cb.now = clock.Now
	return cb, clock
}

func trip(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < cb.config.FailureThreshold; i++ {
		_, _ = cb.Publish(context.Background(), "event", nil)
	}
	if cb.State() != StateOpen {
		t.Fatalf("circuit should be open after %d failures, got %v", cb.config.FailureThreshold, cb.State())
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb, _ := newTestBreaker(NewMockPublisher())
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb, _ := newTestBreaker(NewMockPublisher())

	for i := 0; i < 10; i++ {
		if _, err := cb.Publish(context.Background(), "event", nil); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreaker_FailureCounting(t *testing.T) {
	tests := []struct {
		name      string
		failWith  error
		failures  int
		wantState CircuitState
	}{
		{
			name:      "connection errors open the circuit",
			failWith:  errors.NewConnectionError("unavailable"),
			failures:  3,
			wantState: StateOpen,
		},
		{
			name:      "publish errors open the circuit",
			failWith:  errors.NewPublishError("rejected", fmt.Errorf("boom")),
			failures:  3,
			wantState: StateOpen,
		},
		{
			name:      "below threshold stays closed",
			failWith:  errors.NewConnectionError("unavailable"),
			failures:  2,
			wantState: StateClosed,
		},
		{
			name:      "non-retryable errors are ignored",
			failWith:  errors.NewValidationError("bad payload"),
			failures:  10,
			wantState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := NewFailingMockPublisher(tt.failures)
			pub.failWith = tt.failWith
			cb, _ := newTestBreaker(pub)

			for i := 0; i < tt.failures; i++ {
				_, _ = cb.Publish(context.Background(), "event", nil)
			}
			if cb.State() != tt.wantState {
				t.Errorf("state = %v, want %v", cb.State(), tt.wantState)
			}
		})
	}
}

func TestCircuitBreaker_FailsFastWhenOpen(t *testing.T) {
	pub := NewFailingMockPublisher(100)
	cb, _ := newTestBreaker(pub)
	trip(t, cb)

	before := pub.PublishCount()
	_, err := cb.Publish(context.Background(), "event", nil)

	if pub.PublishCount() != before {
		t.Errorf("publisher was called despite open circuit")
	}
	if !errors.IsConnectionError(err) {
		t.Errorf("expected connection error, got: %v", err)
	}
	if details := errors.GetDetails(err); details["retry_in"] == nil {
		t.Errorf("expected retry_in detail, got %v", details)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	pub := NewFailingMockPublisher(3)
	cb, clock := newTestBreaker(pub)
	trip(t, cb)

	clock.Advance(cb.config.Timeout)

	if _, err := cb.Publish(context.Background(), "event", nil); err != nil {
		t.Fatalf("first probe error = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after one probe = %v, want %v", cb.State(), StateHalfOpen)
	}

	if _, err := cb.Publish(context.Background(), "event", nil); err != nil {
		t.Fatalf("second probe error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state after successes = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	pub := NewFailingMockPublisher(100)
	cb, clock := newTestBreaker(pub)
	trip(t, cb)

	clock.Advance(cb.config.Timeout + time.Second)
	_, _ = cb.Publish(context.Background(), "event", nil)

	if cb.State() != StateOpen {
		t.Errorf("state = %v, want %v", cb.State(), StateOpen)
	}

	// The open timeout restarts from the failed probe
	clock.Advance(cb.config.Timeout / 2)
	if _, err := cb.Publish(context.Background(), "event", nil); !errors.IsConnectionError(err) {
		t.Errorf("expected fast failure, got %v", err)
	}
}

func TestCircuitBreaker_LimitsHalfOpenRequests(t *testing.T) {
	blocking := &blockingPublisher{release: make(chan struct{})}
	cb, clock := newTestBreaker(blocking)

	cb.mu.Lock()
	cb.state = StateOpen
	cb.openedAt = clock.Now()
	cb.mu.Unlock()
	clock.Advance(cb.config.Timeout)

	var wg sync.WaitGroup
	for i := 0; i < cb.config.MaxHalfOpenRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cb.Publish(context.Background(), "event", nil)
		}()
	}

	// Wait until the probes are in flight
	deadline := time.Now().Add(time.Second)
	for blocking.inFlight() < cb.config.MaxHalfOpenRequests && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := cb.Publish(context.Background(), "event", nil); !errors.IsConnectionError(err) {
		t.Errorf("expected probe limit error, got %v", err)
	}

	close(blocking.release)
	wg.Wait()
}

type blockingPublisher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return "id", nil
}

func (b *blockingPublisher) Close() error { return nil }

func (b *blockingPublisher) inFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(NewFailingMockPublisher(100))
	trip(t, cb)

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("state after Reset = %v, want %v", cb.State(), StateClosed)
	}
	if got := cb.Stats()["consecutive_failures"]; got != 0 {
		t.Errorf("consecutive_failures = %v, want 0", got)
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	pub := NewFailingMockPublisher(3)
	cb, clock := newTestBreaker(pub)

	var mu sync.Mutex
	var transitions []string
	cb.SetOnStateChange(func(from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	trip(t, cb)
	clock.Advance(cb.config.Timeout)
	for i := 0; i < cb.config.SuccessThreshold; i++ {
		_, _ = cb.Publish(context.Background(), "event", nil)
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(NewMockPublisher(), DefaultCircuitBreakerConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cb.Publish(context.Background(), "event", nil)
			_ = cb.State()
			_ = cb.Stats()
		}()
	}
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreaker_Close(t *testing.T) {
	pub := NewMockPublisher()
	cb := NewCircuitBreaker(pub, DefaultCircuitBreakerConfig())

	if err := cb.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !pub.Closed() {
		t.Error("underlying publisher was not closed")
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()

	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.FailureThreshold)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.SuccessThreshold <= 0 || cfg.MaxHalfOpenRequests <= 0 {
		t.Errorf("thresholds must be positive: %+v", cfg)
	}
}
