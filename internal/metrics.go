package internal

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var _metricsNamespace = "novelcache"

// _patternRE strips all `{...}` segments from a route pattern to build a
// bounded label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

var (
	_ CacheMetrics = (*cacheMetrics)(nil)
	_ CacheMetrics = (*noCacheMetrics)(nil)
	_ JobMetrics   = (*jobMetrics)(nil)
	_ JobMetrics   = (*noJobMetrics)(nil)
)

// NewMetrics creates a new Prometheus registry with the default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// CacheMetrics counts read-through tier outcomes.
type CacheMetrics interface {
	HitInc(tier string)
	MissInc()
	UpstreamInc()
	DegradedInc()
}

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

// NewCacheMetrics registers cache counters, or returns a no-op collector
// when reg is nil (tests).
func NewCacheMetrics(reg *prometheus.Registry) CacheMetrics {
	if reg == nil {
		return noCacheMetrics{}
	}
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Read-through outcomes by type.",
		},
		[]string{"type"},
	)
	reg.MustRegister(totals)
	return &cacheMetrics{totals: totals}
}

func (m *cacheMetrics) HitInc(tier string) { m.totals.WithLabelValues("hit_" + tier).Inc() }
func (m *cacheMetrics) MissInc()           { m.totals.WithLabelValues("miss").Inc() }
func (m *cacheMetrics) UpstreamInc()       { m.totals.WithLabelValues("upstream").Inc() }
func (m *cacheMetrics) DegradedInc()       { m.totals.WithLabelValues("degraded").Inc() }

type noCacheMetrics struct{}

func (noCacheMetrics) HitInc(string) {}
func (noCacheMetrics) MissInc()      {}
func (noCacheMetrics) UpstreamInc()  {}
func (noCacheMetrics) DegradedInc()  {}

// JobMetrics tracks the background engine.
type JobMetrics interface {
	EnqueuedInc()
	DedupedInc()
	CompletedInc()
	FailedInc()
	ActiveSet(n float64)
	QueueSet(n float64)
}

type jobMetrics struct {
	totals *prometheus.CounterVec
	gauge  *prometheus.GaugeVec
}

// NewJobMetrics registers job counters, or returns a no-op collector when
// reg is nil.
func NewJobMetrics(reg *prometheus.Registry) JobMetrics {
	if reg == nil {
		return noJobMetrics{}
	}
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Job engine operations by type.",
		},
		[]string{"type"},
	)
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "current",
			Help:      "Current job engine state by type.",
		},
		[]string{"type"},
	)
	reg.MustRegister(totals, gauge)
	return &jobMetrics{totals: totals, gauge: gauge}
}

func (m *jobMetrics) EnqueuedInc()      { m.totals.WithLabelValues("enqueued").Inc() }
func (m *jobMetrics) DedupedInc()       { m.totals.WithLabelValues("deduped").Inc() }
func (m *jobMetrics) CompletedInc()     { m.totals.WithLabelValues("completed").Inc() }
func (m *jobMetrics) FailedInc()        { m.totals.WithLabelValues("failed").Inc() }
func (m *jobMetrics) ActiveSet(n float64) { m.gauge.WithLabelValues("active").Set(n) }
func (m *jobMetrics) QueueSet(n float64)  { m.gauge.WithLabelValues("queued").Set(n) }

type noJobMetrics struct{}

func (noJobMetrics) EnqueuedInc()      {}
func (noJobMetrics) DedupedInc()       {}
func (noJobMetrics) CompletedInc()     {}
func (noJobMetrics) FailedInc()        {}
func (noJobMetrics) ActiveSet(float64) {}
func (noJobMetrics) QueueSet(float64)  {}

// instrument wraps an HTTP handler to record timing and status codes.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)
	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)
	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		path := normalizePattern(pattern)
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

// normalizePattern derives the constant label from the route pattern:
//
//	"/api/books/{id}" → "/api/books"
//	"/api/health"     → "/api/health"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
