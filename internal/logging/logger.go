// Package logging builds the structured logger used across slowhello. The
// logger is constructed once from an explicit Config and passed to the
// components that need it; nothing here touches slog's process-wide default.
package logging

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Level is the minimum severity a logger emits
type Level = slog.Level

// Supported levels
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the handler used to render records
type Format string

// Supported formats
const (
	FormatJSON        Format = "json"
	FormatText        Format = "text"
	FormatDevelopment Format = "dev"
)

// Config describes how to build a logger
type Config struct {
	Output   io.Writer
	Level    Level
	Format   Format
	AppName  string
	Hostname string
}

// NewLogger creates a new slog.Logger from cfg. A nil Output writes to stderr.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	case FormatDevelopment:
		opts.AddSource = true
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.AppName != "" {
		logger = logger.With("app", cfg.AppName)
	}
	if cfg.Hostname != "" {
		logger = logger.With("hostname", cfg.Hostname)
	}

	return logger
}

// ParseLevel maps a level name to a Level. Unknown names map to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ParseFormat maps a format name to a Format. Unknown names map to JSON.
func ParseFormat(format string) Format {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case FormatText:
		return FormatText
	case FormatDevelopment:
		return FormatDevelopment
	default:
		return FormatJSON
	}
}

// Discard returns a logger that drops every record
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelError + 1}))
}

// LogResponseWriter wraps http.ResponseWriter to capture status code and response size
type LogResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// NewLogResponseWriter creates a new LogResponseWriter
func NewLogResponseWriter(w http.ResponseWriter) *LogResponseWriter {
	return &LogResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (w *LogResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response size
func (w *LogResponseWriter) Write(b []byte) (int, error) {
	size, err := w.ResponseWriter.Write(b)
	w.size += size
	return size, err
}

// Unwrap exposes the wrapped writer to http.ResponseController
func (w *LogResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// StatusCode returns the captured status code
func (w *LogResponseWriter) StatusCode() int {
	return w.statusCode
}

// Size returns the response size
func (w *LogResponseWriter) Size() int {
	return w.size
}
