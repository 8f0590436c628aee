package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
	CacheOperationSeed   CacheOperation = "seed"
	CacheOperationPrune  CacheOperation = "prune"
)

// Recorder publishes Prometheus metrics for intercept, cache and lifecycle activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	interceptRequests *prometheus.CounterVec
	interceptLatency  *prometheus.HistogramVec
	cacheOperations   *prometheus.CounterVec
	forwardFailures   *prometheus.CounterVec
	negativeEntries   prometheus.Gauge
	redirectMode      prometheus.Gauge
	lifecycle         *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so the default global registerer stays untouched.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	interceptRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "origin_shift",
		Subsystem: "intercept",
		Name:      "requests_total",
		Help:      "Total intercepted requests by routing class and outcome.",
	}, []string{"class", "outcome", "status_code", "cache_hit"})

	interceptLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "origin_shift",
		Subsystem: "intercept",
		Name:      "duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"class", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "origin_shift",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Bootstrap cache operations.",
	}, []string{"operation", "result"})

	forwardFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "origin_shift",
		Subsystem: "forward",
		Name:      "failures_total",
		Help:      "Forwarded calls that ended in timeout or network failure.",
	}, []string{"reason"})

	negativeEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "origin_shift",
		Name:      "negative_cache_entries",
		Help:      "URLs currently memoized as not found by the serving instance.",
	})

	redirectMode := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "origin_shift",
		Name:      "redirect_mode",
		Help:      "1 when backend-bound requests are rewritten and forwarded.",
	})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "origin_shift",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle state transitions.",
	}, []string{"state"})

	reg.MustRegister(interceptRequests, interceptLatency, cacheOperations, forwardFailures,
		negativeEntries, redirectMode, lifecycle)

	return &Recorder{
		gatherer:          reg,
		handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		interceptRequests: interceptRequests,
		interceptLatency:  interceptLatency,
		cacheOperations:   cacheOperations,
		forwardFailures:   forwardFailures,
		negativeEntries:   negativeEntries,
		redirectMode:      redirectMode,
		lifecycle:         lifecycle,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveIntercept records the outcome and latency for one intercepted request.
func (r *Recorder) ObserveIntercept(class, outcome string, statusCode int, cacheHit bool, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.interceptRequests.WithLabelValues(classLabel, outcomeLabel, statusLabel, strconv.FormatBool(cacheHit)).Inc()
	r.interceptLatency.WithLabelValues(classLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCache records a cache operation result (hit, miss, stored, error, ...).
func (r *Recorder) ObserveCache(operation CacheOperation, result string) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(string(operation)), normalizeLabel(result)).Inc()
}

// ObserveForwardFailure counts a failed forward by reason.
func (r *Recorder) ObserveForwardFailure(reason string) {
	if r == nil {
		return
	}
	r.forwardFailures.WithLabelValues(normalizeLabel(reason)).Inc()
}

// SetNegativeEntries publishes the negative cache size.
func (r *Recorder) SetNegativeEntries(n int) {
	if r == nil {
		return
	}
	r.negativeEntries.Set(float64(n))
}

// SetRedirectMode publishes the redirect flag.
func (r *Recorder) SetRedirectMode(enabled bool) {
	if r == nil {
		return
	}
	if enabled {
		r.redirectMode.Set(1)
		return
	}
	r.redirectMode.Set(0)
}

// ObserveLifecycle counts a lifecycle state entry.
func (r *Recorder) ObserveLifecycle(state string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(normalizeLabel(state)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
