package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps the OpenTelemetry trace provider and exporter
type Provider struct {
	tp     *sdktrace.TracerProvider
	config Config
	mu     sync.RWMutex
	isInit bool
}

// Config holds configuration for telemetry setup
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SamplingRatio  float64
	BatchTimeout   int // seconds
	ExportTimeout  int // seconds
	MaxExportBatch int
	MaxQueueSize   int

	// Exporter replaces the OTLP exporter when set. Spans are exported
	// synchronously, which tests rely on.
	Exporter sdktrace.SpanExporter
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		SamplingRatio:  1.0,
		BatchTimeout:   5,    // 5 seconds
		ExportTimeout:  30,   // 30 seconds
		MaxExportBatch: 512,  // 512 spans
		MaxQueueSize:   2048, // 2048 spans
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.OTLPEndpoint == "" && c.Exporter == nil {
		return fmt.Errorf("OTLP endpoint cannot be empty")
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("sampling ratio must be between 0 and 1, got %v", c.SamplingRatio)
	}
	return nil
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Provider{
		config: cfg,
	}, nil
}

// Start initializes the telemetry provider
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isInit {
		return fmt.Errorf("provider already initialized")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(p.config.ServiceName),
			semconv.ServiceVersionKey.String(p.config.ServiceVersion),
			attribute.String("environment", p.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("creating resource: %w", err)
	}

	var processor sdktrace.TracerProviderOption
	if p.config.Exporter != nil {
		processor = sdktrace.WithSyncer(p.config.Exporter)
	} else {
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(seconds(p.config.ExportTimeout)),
		)

		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return fmt.Errorf("creating OTLP trace exporter: %w", err)
		}

		batchOpts := []sdktrace.BatchSpanProcessorOption{
			sdktrace.WithBatchTimeout(seconds(p.config.BatchTimeout)),
		}
		if p.config.MaxExportBatch > 0 {
			batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(p.config.MaxExportBatch))
		}
		if p.config.MaxQueueSize > 0 {
			batchOpts = append(batchOpts, sdktrace.WithMaxQueueSize(p.config.MaxQueueSize))
		}
		processor = sdktrace.WithBatcher(exp, batchOpts...)
	}

	p.tp = sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.config.SamplingRatio))),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.isInit = true

	return nil
}

// Shutdown flushes pending spans and stops the provider. The provider
// shuts down its exporter as part of this.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isInit {
		return nil
	}

	p.isInit = false
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down trace provider: %w", err)
	}
	return nil
}

func (p *Provider) tracer() trace.Tracer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isInit {
		return nil
	}
	return p.tp.Tracer(p.config.ServiceName)
}

// TracingMiddleware wraps an http.Handler with OpenTelemetry tracing
func (p *Provider) TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := p.tracer()
		if tracer == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx,
			fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRouteKey.String(r.URL.Path),
				semconv.URLPathKey.String(r.URL.Path),
			),
		)
		defer span.End()

		wrapped := newResponseWriter(w)
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(wrapped.statusCode))
		if wrapped.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
		}
	})
}

// RecordOutcome attaches a race resolution to the span carried by ctx.
// Timeouts mark the span as failed.
func RecordOutcome(ctx context.Context, outcome string, elapsed time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("race.resolved", trace.WithAttributes(
		attribute.String("race.outcome", outcome),
		attribute.Int64("race.elapsed_ms", elapsed.Milliseconds()),
	))
	span.SetAttributes(attribute.String("race.outcome", outcome))
	if outcome == "timeout" {
		span.SetStatus(codes.Error, "request timed out")
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n) * time.Second
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
