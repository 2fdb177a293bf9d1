// Package hello serves the slow greeting and the service's health probes.
package hello

import (
	"io"
	"net/http"
	"time"
)

// Greeting is the body of a successful response
const Greeting = "Hello, axum!"

// Handler answers with Greeting after a fixed delay. Cancellation of the
// request context stops the delay and nothing is written.
type Handler struct {
	delay time.Duration
}

// NewHandler creates a Handler that waits delay before answering
func NewHandler(delay time.Duration) *Handler {
	return &Handler{delay: delay}
}

// Delay returns the configured delay
func (h *Handler) Delay() time.Duration {
	return h.delay
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := time.NewTimer(h.delay)
	defer timer.Stop()

	select {
	case <-r.Context().Done():
		return
	case <-timer.C:
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, Greeting)
}
