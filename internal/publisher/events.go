package publisher

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcncl/slowhello/internal/errors"
	"github.com/mcncl/slowhello/internal/metrics"
	"github.com/mcncl/slowhello/internal/middleware/request"
)

// OutcomeEvent is published once for every resolved handler/watchdog race
type OutcomeEvent struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Outcome   string    `json:"outcome"`
	ElapsedMS int64     `json:"elapsed_ms"`
	TimeoutMS int64     `json:"timeout_ms"`
	DelayMS   int64     `json:"delay_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// ReporterConfig describes the race being reported on
type ReporterConfig struct {
	Timeout        time.Duration
	Delay          time.Duration
	PublishTimeout time.Duration
}

// Reporter publishes outcome events off the request path
type Reporter struct {
	pub    Publisher
	logger *slog.Logger
	cfg    ReporterConfig

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewReporter creates a Reporter. A zero PublishTimeout means 5s.
func NewReporter(pub Publisher, logger *slog.Logger, cfg ReporterConfig) *Reporter {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Reporter{pub: pub, logger: logger, cfg: cfg}
}

// NewOutcomeEvent builds the event for one resolved request
func (r *Reporter) NewOutcomeEvent(req *http.Request, outcome request.Outcome, elapsed time.Duration) OutcomeEvent {
	return OutcomeEvent{
		ID:        uuid.New().String(),
		RequestID: request.IDFromContext(req.Context()),
		Method:    req.Method,
		Path:      req.URL.Path,
		Outcome:   string(outcome),
		ElapsedMS: elapsed.Milliseconds(),
		TimeoutMS: r.cfg.Timeout.Milliseconds(),
		DelayMS:   r.cfg.Delay.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
}

// Report publishes the outcome in the background. It never blocks the
// caller on the publisher and drops events once Close has been called.
func (r *Reporter) Report(req *http.Request, outcome request.Outcome, elapsed time.Duration) {
	event := r.NewOutcomeEvent(req, outcome, elapsed)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
		defer cancel()

		r.publish(ctx, event)
	}()
}

func (r *Reporter) publish(ctx context.Context, event OutcomeEvent) {
	attrs := map[string]string{
		"origin":  "slowhello",
		"outcome": event.Outcome,
	}

	msgID, err := r.pub.Publish(ctx, event, attrs)
	if err != nil {
		metrics.RecordEventPublished("failure")
		metrics.RecordError("event_publish")
		r.logger.Warn("Failed to publish outcome event",
			"event_id", event.ID,
			"request_id", event.RequestID,
			"error_type", errors.Type(err),
			"error", err,
		)
		return
	}

	metrics.RecordEventPublished("success")
	r.logger.Debug("Published outcome event",
		"event_id", event.ID,
		"message_id", msgID,
		"outcome", event.Outcome,
	)
}

// Close waits for in-flight publishes, bounded by ctx, then closes the
// publisher.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Outcome events still in flight at shutdown")
	}

	return r.pub.Close()
}
