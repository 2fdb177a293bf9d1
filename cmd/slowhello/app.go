package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcncl/slowhello/internal/config"
	"github.com/mcncl/slowhello/internal/errors"
	"github.com/mcncl/slowhello/internal/metrics"
	"github.com/mcncl/slowhello/internal/middleware"
	loggingMiddleware "github.com/mcncl/slowhello/internal/middleware/logging"
	"github.com/mcncl/slowhello/internal/middleware/request"
	"github.com/mcncl/slowhello/internal/middleware/security"
	"github.com/mcncl/slowhello/internal/publisher"
	"github.com/mcncl/slowhello/internal/router"
	"github.com/mcncl/slowhello/internal/telemetry"
	"github.com/mcncl/slowhello/pkg/hello"
)

// app holds everything the handler tree needs
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	health    *hello.HealthCheck
	tracing   *telemetry.Provider
	reporter  *publisher.Reporter
	ipLimiter *security.IPRateLimiter
	logRace   func(*http.Request, request.Outcome, time.Duration)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   hello.NewHealthCheck(),
		logRace:  loggingMiddleware.LogResolution(logger),
	}

	if err := metrics.InitMetrics(a.registry); err != nil {
		return nil, errors.Wrap(err, "failed to initialize metrics")
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Security.IPRateLimit > 0 {
		a.ipLimiter = security.NewIPRateLimiter(
			cfg.Security.IPRateLimit,
			security.TrustForwardedFor(cfg.Security.TrustForwardedFor),
		)
	}

	if cfg.Telemetry.EnableTracing {
		tcfg := telemetry.DefaultConfig()
		tcfg.ServiceName = cfg.Telemetry.ServiceName
		tcfg.Environment = cfg.Telemetry.Environment
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		tcfg.SamplingRatio = cfg.Telemetry.SamplingRatio

		provider, err := telemetry.NewProvider(tcfg)
		if err != nil {
			return nil, errors.Wrap(errors.NewValidationError(err.Error()), "invalid telemetry configuration")
		}
		if err := provider.Start(ctx); err != nil {
			return nil, errors.Wrap(err, "failed to start tracing")
		}
		a.tracing = provider
		logger.Info("Tracing enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	if cfg.Events.Enabled {
		pub, err := publisher.NewPubSubPublisher(ctx, publisher.Config{
			ProjectID:       cfg.Events.ProjectID,
			TopicID:         cfg.Events.TopicID,
			CredentialsFile: cfg.Events.CredentialsFile,
		})
		if err != nil {
			a.close()
			return nil, errors.WithDetails(
				errors.Wrap(err, "failed to create outcome publisher"),
				map[string]interface{}{
					"project_id": cfg.Events.ProjectID,
					"topic_id":   cfg.Events.TopicID,
				},
			)
		}
		a.setPublisher(pub)
		logger.Info("Publishing outcome events", "project_id", cfg.Events.ProjectID, "topic_id", cfg.Events.TopicID)
	}

	return a, nil
}

// setPublisher routes outcome events through a circuit breaker on pub
func (a *app) setPublisher(pub publisher.Publisher) {
	cb := publisher.NewCircuitBreaker(pub, publisher.DefaultCircuitBreakerConfig())
	cb.SetOnStateChange(func(from, to publisher.CircuitState) {
		metrics.CircuitBreakerState.Set(float64(to))
		a.logger.Warn("Outcome publisher circuit changed", "from", from.String(), "to", to.String())
	})

	a.reporter = publisher.NewReporter(cb, a.logger, publisher.ReporterConfig{
		Timeout: a.cfg.Server.RequestTimeout,
		Delay:   a.cfg.Server.HandlerDelay,
	})
}

// handler builds the full handler tree.
// Note: the order of middleware is important!
func (a *app) handler() http.Handler {
	cfg := a.cfg

	helloRoute := middleware.Chain(
		hello.NewHandler(cfg.Server.HandlerDelay),
		middleware.WithMetrics("GET /"),
		request.WithTimeout(request.TimeoutConfig{
			Timeout:   cfg.Server.RequestTimeout,
			Status:    cfg.Server.TimeoutStatus,
			Header:    cfg.Server.TimeoutHeader,
			OnResolve: a.onResolve,
		}), // Timeout last so the race covers only the handler
	)

	routes := router.New(
		router.Route{Method: http.MethodGet, Path: "/", Handler: helloRoute},
		router.Route{Method: http.MethodGet, Path: "/health", Handler: middleware.Chain(http.HandlerFunc(a.health.HealthHandler), middleware.WithMetrics("GET /health"))},
		router.Route{Method: http.MethodGet, Path: "/ready", Handler: middleware.Chain(http.HandlerFunc(a.health.ReadyHandler), middleware.WithMetrics("GET /ready"))},
		router.Route{Method: http.MethodGet, Path: "/metrics", Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})},
	)

	securityConfig := security.DefaultConfig()
	securityConfig.AllowedOrigins = cfg.Security.AllowedOrigins
	if len(cfg.Security.AllowedMethods) > 0 {
		securityConfig.AllowedMethods = cfg.Security.AllowedMethods
	}
	if len(cfg.Security.AllowedHeaders) > 0 {
		securityConfig.AllowedHeaders = cfg.Security.AllowedHeaders
	}

	chain := []middleware.Middleware{
		request.WithRequestID, // Generate request ID first
	}
	if a.tracing != nil {
		chain = append(chain, a.tracing.TracingMiddleware)
	}
	chain = append(chain,
		loggingMiddleware.WithStructuredLogging(a.logger),
		security.WithSecurityHeaders(securityConfig),
		security.WithRateLimit(cfg.Security.RateLimit),
		security.WithIPRateLimit(a.ipLimiter),
	)

	return middleware.Chain(routes, chain...)
}

// onResolve fans a resolved race out to metrics, the active span, the log
// and the outcome event sink
func (a *app) onResolve(r *http.Request, outcome request.Outcome, elapsed time.Duration) {
	metrics.RecordRaceOutcome(string(outcome), elapsed.Seconds())
	telemetry.RecordOutcome(r.Context(), string(outcome), elapsed)
	a.logRace(r, outcome, elapsed)

	if a.reporter != nil {
		a.reporter.Report(r, outcome, elapsed)
	}
}

// close flushes outcome events and spans
func (a *app) close() {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.reporter != nil {
		if err := a.reporter.Close(ctx); err != nil {
			a.logger.Error("Failed to close outcome publisher", "error", err)
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Error("Failed to shut down tracing", "error", err)
		}
	}
}
