package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metrics variables - these will be initialized by InitMetrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	RaceOutcomesTotal    *prometheus.CounterVec
	RaceResolveDuration  *prometheus.HistogramVec
	InflightRequests     prometheus.Gauge
	RateLimitExceeded    *prometheus.CounterVec
	ErrorsTotal          *prometheus.CounterVec
	EventsPublishedTotal *prometheus.CounterVec
	CircuitBreakerState  prometheus.Gauge
)

// raceBuckets cover the sub-second to few-second range the watchdog operates in
var raceBuckets = []float64{.01, .05, .1, .25, .5, .75, 1, 1.5, 2, 3, 5}

// InitMetrics initializes metrics with a specific registry
func InitMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		return fmt.Errorf("registry cannot be nil")
	}

	factory := promauto.With(reg)

	HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowhello_http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slowhello_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: raceBuckets,
		},
		[]string{"route"},
	)

	RaceOutcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowhello_race_outcomes_total",
			Help: "Resolved handler/watchdog races by outcome",
		},
		[]string{"outcome"},
	)

	RaceResolveDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slowhello_race_resolve_seconds",
			Help:    "Time from request arrival until the race resolved",
			Buckets: raceBuckets,
		},
		[]string{"outcome"},
	)

	InflightRequests = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "slowhello_inflight_requests",
			Help: "Requests currently being served on instrumented routes",
		},
	)

	RateLimitExceeded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowhello_rate_limit_exceeded_total",
			Help: "Total number of requests that exceeded rate limits",
		},
		[]string{"type"},
	)

	ErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowhello_errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"type"},
	)

	EventsPublishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowhello_events_published_total",
			Help: "Outcome events sent to Pub/Sub by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "slowhello_events_circuit_state",
			Help: "Outcome publisher circuit state (0 closed, 1 open, 2 half-open)",
		},
	)

	return nil
}

// RecordRequest records a finished HTTP request
func RecordRequest(route string, status int, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordRaceOutcome records how a handler/watchdog race resolved
func RecordRaceOutcome(outcome string, seconds float64) {
	RaceOutcomesTotal.WithLabelValues(outcome).Inc()
	RaceResolveDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordRateLimited records a request rejected by a rate limiter
func RecordRateLimited(limiter string) {
	RateLimitExceeded.WithLabelValues(limiter).Inc()
}

// RecordError records an error by type
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordEventPublished records the result of publishing an outcome event
func RecordEventPublished(result string) {
	EventsPublishedTotal.WithLabelValues(result).Inc()
}
