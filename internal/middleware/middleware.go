// Package middleware holds the chain helper and request metrics shared by
// every route.
package middleware

import (
	"net/http"
	"time"

	"github.com/mcncl/slowhello/internal/logging"
	"github.com/mcncl/slowhello/internal/metrics"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so they run in the order given
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// WithMetrics records request count and duration under route
func WithMetrics(route string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			metrics.InflightRequests.Inc()
			defer metrics.InflightRequests.Dec()

			lrw := logging.NewLogResponseWriter(w)
			next.ServeHTTP(lrw, r)

			metrics.RecordRequest(route, lrw.StatusCode(), time.Since(start).Seconds())
		})
	}
}
