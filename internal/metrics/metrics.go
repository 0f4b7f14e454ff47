// Package metrics holds the Prometheus instrumentation for the decision
// pipeline. One Metrics value is created in main and shared by reference;
// tests pass their own registry so repeated construction never collides.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus series for the edge service.
type Metrics struct {
	// Decision outcomes
	DecisionsTotal  *prometheus.CounterVec
	DetectionScore  prometheus.Histogram
	RequestDuration *prometheus.HistogramVec

	// Analyzer health
	AnalyzerFailures  *prometheus.CounterVec
	DetectionDegraded prometheus.Counter

	// Caches (decision, detection, campaign, blacklist, threat_intel)
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Blacklist
	BlacklistHits prometheus.Counter

	// Threat-intel providers
	ProviderRequests *prometheus.CounterVec
	ProviderSkipped  *prometheus.CounterVec

	// Traffic sink
	SinkEnqueued   prometheus.Counter
	SinkDropped    prometheus.Counter
	SinkQueueDepth prometheus.Gauge
	SinkWriteFails prometheus.Counter

	// Circuit breakers (0=closed, 1=half-open, 2=open)
	BreakerState *prometheus.GaugeVec
}

// New creates and registers all series on the given registerer. Pass
// prometheus.DefaultRegisterer in main.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_decisions_total",
				Help: "Cloaking decisions by page shown and primary reason",
			},
			[]string{"page", "reason"},
		),

		DetectionScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloak_detection_score",
				Help:    "Weighted bot score computed by the detection engine",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloak_request_duration_seconds",
				Help:    "End-to-end latency of decision requests",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"endpoint"},
		),

		AnalyzerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_analyzer_failures_total",
				Help: "Analyzer invocations that panicked, errored, or missed the deadline",
			},
			[]string{"analyzer"},
		),

		DetectionDegraded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_detection_degraded_total",
				Help: "Requests classified with three or more failed analyzers",
			},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_cache_hits_total",
				Help: "Cache hits by cache name",
			},
			[]string{"cache"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_cache_misses_total",
				Help: "Cache misses by cache name",
			},
			[]string{"cache"},
		),

		BlacklistHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_blacklist_hits_total",
				Help: "Requests short-circuited by the IP blacklist",
			},
		),

		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_provider_requests_total",
				Help: "Threat-intel provider lookups by outcome",
			},
			[]string{"provider", "outcome"}, // outcome: ok, error, timeout
		),

		ProviderSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_provider_skipped_total",
				Help: "Provider lookups skipped before dispatch",
			},
			[]string{"provider", "reason"}, // reason: budget, breaker, disabled
		),

		SinkEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_sink_enqueued_total",
				Help: "Traffic records accepted onto the sink queue",
			},
		),

		SinkDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_sink_dropped_total",
				Help: "Traffic records dropped because the sink queue was full",
			},
		),

		SinkQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cloak_sink_queue_depth",
				Help: "Current number of records waiting in the sink queue",
			},
		),

		SinkWriteFails: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_sink_write_failures_total",
				Help: "Batches the sink failed to persist after retries",
			},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cloak_breaker_state",
				Help: "Circuit breaker state per resource (0=closed, 1=half-open, 2=open)",
			},
			[]string{"resource"},
		),
	}
}

// RecordDecision tallies a finished decision and its score.
func (m *Metrics) RecordDecision(page, reason string, score float64) {
	m.DecisionsTotal.WithLabelValues(page, reason).Inc()
	m.DetectionScore.Observe(score)
}

// RecordCache tallies a cache probe.
func (m *Metrics) RecordCache(cache string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(cache).Inc()
	} else {
		m.CacheMisses.WithLabelValues(cache).Inc()
	}
}

// RecordProvider tallies a provider lookup outcome.
func (m *Metrics) RecordProvider(provider, outcome string) {
	m.ProviderRequests.WithLabelValues(provider, outcome).Inc()
}
