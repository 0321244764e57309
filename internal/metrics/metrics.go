// Package metrics provides Prometheus metrics for the fetch pipeline.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts API requests by route and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"route", "status"},
	)

	// PanicsTotal counts handler panics caught by the recovery middleware.
	PanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_panics_total",
			Help: "Handler panics recovered, by route",
		},
		[]string{"route"},
	)

	// RequestDuration tracks API request duration by route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagegate_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"route"},
	)

	// SolvesTotal counts challenge solves by result (success, timeout, load_failure, invalid_token).
	SolvesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_challenge_solves_total",
			Help: "Total challenge solves by result",
		},
		[]string{"result"},
	)

	// SolveDuration tracks how long solves take.
	SolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagegate_challenge_solve_duration_seconds",
			Help:    "Challenge solve duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
		},
	)

	// StrategyOutcomes counts fetch strategy attempts by strategy and outcome.
	StrategyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_fetch_strategy_total",
			Help: "Fetch strategy attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	// FetchesTotal counts completed pipeline runs by final outcome.
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_fetches_total",
			Help: "Completed resource fetches by final strategy",
		},
		[]string{"final"},
	)

	// Escalations counts blocked responses that triggered a solve.
	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_bypass_escalations_total",
			Help: "Blocked responses escalated to the solver, by replay outcome",
		},
		[]string{"outcome"},
	)

	// GateQueueDepth shows resources waiting behind the admission gate.
	GateQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegate_gate_queue_depth",
			Help: "Resources queued behind the admission gate",
		},
	)

	// SessionHosts shows how many hosts hold cookies.
	SessionHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegate_session_hosts",
			Help: "Hosts with stored cookies",
		},
	)

	// FallbackCacheHits counts disk cache hits and misses of the fallback loader.
	FallbackCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_fallback_cache_total",
			Help: "Fallback disk cache lookups by result",
		},
		[]string{"result"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegate_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegate_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imagegate_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		PanicsTotal,
		RequestDuration,
		SolvesTotal,
		SolveDuration,
		StrategyOutcomes,
		FetchesTotal,
		Escalations,
		GateQueueDepth,
		SessionHosts,
		FallbackCacheHits,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically updates memory metrics until stopCh closes.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			MemoryUsageBytes.Set(float64(m.Alloc))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-stopCh:
			return
		}
	}
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(route, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(route, status).Inc()
	RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordPanic records a recovered handler panic.
func RecordPanic(route string) {
	PanicsTotal.WithLabelValues(route).Inc()
}

// RecordSolve records a finished solve.
func RecordSolve(result string, duration time.Duration) {
	SolvesTotal.WithLabelValues(result).Inc()
	SolveDuration.Observe(duration.Seconds())
}

// RecordStrategy records one strategy attempt.
func RecordStrategy(strategy string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "success"
	}
	StrategyOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// RecordFetch records a completed pipeline run. final is the strategy that
// succeeded or "exhausted".
func RecordFetch(final string) {
	FetchesTotal.WithLabelValues(final).Inc()
}

// RecordEscalation records a blocked response handed to the solver.
func RecordEscalation(outcome string) {
	Escalations.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a fallback cache lookup.
func RecordCacheLookup(hit bool) {
	if hit {
		FallbackCacheHits.WithLabelValues("hit").Inc()
		return
	}
	FallbackCacheHits.WithLabelValues("miss").Inc()
}

// UpdateGateQueue sets the admission gate queue depth.
func UpdateGateQueue(depth int) {
	GateQueueDepth.Set(float64(depth))
}

// UpdateSessionHosts sets the number of hosts with stored cookies.
func UpdateSessionHosts(count int) {
	SessionHosts.Set(float64(count))
}
