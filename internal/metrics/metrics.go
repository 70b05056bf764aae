// Package metrics publishes Prometheus telemetry for render and cache
// activity. All Recorder methods are nil-safe so instrumentation never
// becomes a hard dependency.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RenderOutcome classifies one completed render call.
type RenderOutcome string

const (
	// RenderCompiled means the pipeline parsed, compiled, and returned
	// fresh output.
	RenderCompiled RenderOutcome = "compiled"
	// RenderCacheHit means compiled output was served from the cache.
	RenderCacheHit RenderOutcome = "cache_hit"
	// RenderDegraded means a fatal engine error returned the raw template.
	RenderDegraded RenderOutcome = "degraded"
	// RenderBypassed means the engine is disabled.
	RenderBypassed RenderOutcome = "bypassed"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
)

// CacheResult captures the outcome of a cache operation.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheStored CacheResult = "stored"
	CacheError  CacheResult = "error"
)

// Recorder publishes Prometheus metrics for engine activity.
type Recorder struct {
	gatherer prometheus.Gatherer

	renders         *prometheus.CounterVec
	renderLatency   *prometheus.HistogramVec
	cacheOperations *prometheus.CounterVec
	compileFailures *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	renders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "render",
		Name:      "total",
		Help:      "Total template renders processed by the engine.",
	}, []string{"outcome"})

	renderLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cortex",
		Subsystem: "render",
		Name:      "duration_seconds",
		Help:      "Latency distribution for completed renders.",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Template cache operations executed by the engine.",
	}, []string{"operation", "result"})

	compileFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cortex",
		Subsystem: "compile",
		Name:      "failures_total",
		Help:      "Parse and compile failures by error kind.",
	}, []string{"kind"})

	reg.MustRegister(renders, renderLatency, cacheOperations, compileFailures)

	return &Recorder{
		gatherer:        reg,
		renders:         renders,
		renderLatency:   renderLatency,
		cacheOperations: cacheOperations,
		compileFailures: compileFailures,
	}
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRender records the outcome and latency of a completed render.
func (r *Recorder) ObserveRender(outcome RenderOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(outcome))
	r.renders.WithLabelValues(label).Inc()
	r.renderLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveCache records the result of a cache lookup or store.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(string(operation)), normalizeLabel(string(result))).Inc()
}

// ObserveCompileFailure records one fatal parse or compile error.
func (r *Recorder) ObserveCompileFailure(kind string) {
	if r == nil {
		return
	}
	r.compileFailures.WithLabelValues(normalizeLabel(kind)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
