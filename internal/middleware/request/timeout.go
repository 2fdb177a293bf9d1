package request

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mcncl/slowhello/internal/errors"
)

// Outcome is how a guarded request resolved
type Outcome string

const (
	// OutcomeCompleted means the handler finished before the deadline
	OutcomeCompleted Outcome = "completed"
	// OutcomeTimeout means the deadline fired first, or the handler
	// finished at or after it
	OutcomeTimeout Outcome = "timeout"
	// OutcomeCanceled means the client went away before either side won
	OutcomeCanceled Outcome = "canceled"
)

// DefaultTimeoutHeader announces the configured timeout to the client
const DefaultTimeoutHeader = "X-Timeout"

// TimeoutConfig configures WithTimeout
type TimeoutConfig struct {
	// Timeout is the watchdog deadline, measured from request arrival
	Timeout time.Duration
	// Status is written when the deadline wins. Defaults to 408.
	Status int
	// Header, when set, carries Timeout on every response
	Header string
	// OnResolve is called exactly once per request after the response
	// has been decided
	OnResolve func(r *http.Request, outcome Outcome, elapsed time.Duration)
}

// WithTimeout races next against a deadline. The handler runs in its own
// goroutine against a buffered writer; whichever side finishes first
// decides the response and the other is cancelled through the request
// context. A handler finishing at or after the deadline loses.
func WithTimeout(cfg TimeoutConfig) func(http.Handler) http.Handler {
	status := cfg.Status
	if status == 0 {
		status = http.StatusRequestTimeout
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
			defer cancel()
			deadline, _ := ctx.Deadline()

			if cfg.Header != "" {
				w.Header().Set(cfg.Header, cfg.Timeout.String())
			}

			r = r.WithContext(ctx)
			tw := &timeoutWriter{w: w, h: make(http.Header)}
			done := make(chan struct{})
			panicChan := make(chan any, 1)

			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicChan <- p
					}
				}()
				next.ServeHTTP(tw, r)
				close(done)
			}()

			var outcome Outcome
			select {
			case p := <-panicChan:
				panic(p)
			case <-done:
				switch {
				case ctx.Err() == context.Canceled:
					outcome = OutcomeCanceled
					tw.seal()
				case time.Now().Before(deadline):
					outcome = OutcomeCompleted
					tw.flush()
				default:
					outcome = OutcomeTimeout
					tw.seal()
					writeTimeout(w, status, cfg.Timeout)
				}
			case <-ctx.Done():
				tw.seal()
				if ctx.Err() == context.DeadlineExceeded {
					outcome = OutcomeTimeout
					writeTimeout(w, status, cfg.Timeout)
				} else {
					outcome = OutcomeCanceled
				}
			}

			if cfg.OnResolve != nil {
				cfg.OnResolve(r, outcome, time.Since(start))
			}
		})
	}
}

func writeTimeout(w http.ResponseWriter, status int, timeout time.Duration) {
	err := errors.WithDetails(
		errors.NewTimeoutError("request exceeded deadline"),
		map[string]interface{}{"timeout": timeout.String()},
	)
	_ = errors.WriteJSON(w, status, err)
}

// timeoutWriter buffers the handler's response until the race resolves
type timeoutWriter struct {
	w    http.ResponseWriter
	h    http.Header
	mu   sync.Mutex
	buf  bytes.Buffer
	code int

	wroteHeader bool
	sealed      bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.sealed {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.buf.Write(p)
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.sealed || tw.wroteHeader {
		return
	}
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	tw.wroteHeader = true
	tw.code = code
}

// seal discards anything buffered and rejects later writes
func (tw *timeoutWriter) seal() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.sealed = true
	tw.buf.Reset()
}

// flush copies the buffered response to the client
func (tw *timeoutWriter) flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.sealed = true
	dst := tw.w.Header()
	for k, vv := range tw.h {
		dst[k] = vv
	}
	if !tw.wroteHeader {
		tw.code = http.StatusOK
	}
	tw.w.WriteHeader(tw.code)
	_, _ = tw.w.Write(tw.buf.Bytes())
}
