package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vividly_stage_duration_seconds",
			Help:    "Duration of a single pipeline stage attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "outcome"},
	)

	StageAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vividly_stage_attempts_total",
			Help: "Pipeline stage attempts by outcome",
		},
		[]string{"stage", "outcome"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vividly_runs_total",
			Help: "Finished pipeline runs by terminal status",
		},
		[]string{"status", "cache_hit"},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vividly_runs_active",
			Help: "Pipeline runs currently executing",
		},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vividly_cache_lookups_total",
			Help: "Content cache lookups by result (hit, miss, stale, error)",
		},
		[]string{"result"},
	)

	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vividly_cache_lock_acquisitions_total",
			Help: "Generation lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	AwaitOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vividly_cache_await_total",
			Help: "Outcomes of waiting on another run's generation",
		},
		[]string{"result"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vividly_events_total",
			Help: "Progress events by delivery outcome (queued, delivered, dropped, failed)",
		},
		[]string{"outcome"},
	)

	SSEClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vividly_sse_clients",
			Help: "Connected SSE clients",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vividly_stage_breaker_state",
			Help: "Stage circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"stage"},
	)

	ProviderBootstrapTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vividly_provider_bootstrap_total",
			Help: "Backend provider initialization by provider, outcome and error code",
		},
		[]string{"provider", "outcome", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vividly_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func ObserveStage(stage, outcome string, dur time.Duration) {
	StageDuration.WithLabelValues(stage, outcome).Observe(dur.Seconds())
	StageAttemptsTotal.WithLabelValues(stage, outcome).Inc()
}

func ObserveRun(status string, cacheHit bool) {
	hit := "false"
	if cacheHit {
		hit = "true"
	}
	RunsTotal.WithLabelValues(status, hit).Inc()
}

func IncCacheLookup(result string)  { CacheLookupsTotal.WithLabelValues(result).Inc() }
func IncLockAcquire(result string)  { LockAcquisitionsTotal.WithLabelValues(result).Inc() }
func IncAwaitOutcome(result string) { AwaitOutcomesTotal.WithLabelValues(result).Inc() }
func IncEvent(outcome string)       { EventsPublishedTotal.WithLabelValues(outcome).Inc() }

func SetBreakerState(stage string, state float64) { BreakerState.WithLabelValues(stage).Set(state) }

func ObserveProviderBootstrap(provider, outcome, code string) {
	ProviderBootstrapTotal.WithLabelValues(provider, outcome, code).Inc()
}

func ObserveHTTP(method, route, status string, dur time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
