package logging

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mcncl/slowhello/internal/logging"
	"github.com/mcncl/slowhello/internal/middleware/request"
)

// WithStructuredLogging adds structured logging to the request/response cycle
func WithStructuredLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lrw := logging.NewLogResponseWriter(w)
			requestID := requestIDOf(r)

			logger.Info("Request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"request_id", requestID,
			)

			next.ServeHTTP(lrw, r)

			status := lrw.StatusCode()
			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", requestID,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", lrw.Size(),
			)
		})
	}
}

// LogResolution returns a watchdog hook that logs how each race resolved
func LogResolution(logger *slog.Logger) func(*http.Request, request.Outcome, time.Duration) {
	return func(r *http.Request, outcome request.Outcome, elapsed time.Duration) {
		level := slog.LevelInfo
		if outcome == request.OutcomeTimeout {
			level = slog.LevelWarn
		}

		logger.Log(r.Context(), level, "Request resolved",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDOf(r),
			"outcome", string(outcome),
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}
}

func requestIDOf(r *http.Request) string {
	if id := request.IDFromContext(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(request.RequestIDHeader); id != "" {
		return id
	}
	return "unknown"
}
