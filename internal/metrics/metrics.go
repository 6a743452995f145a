// Package metrics exposes Parley's Prometheus metrics: turn and stage
// latencies from the orchestrator, HTTP request counts, and archive
// outcomes.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/parley/internal/orchestrator"
)

const namespace = "parley"

// Collector owns a private registry so tests and multiple servers do
// not collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	stages       *prometheus.HistogramVec
	requests     *prometheus.CounterVec
	inflight     prometheus.Gauge
	archived     *prometheus.CounterVec
}

// New creates a collector with Go runtime and process metrics
// registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a conversation turn.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each turn pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		archived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Documents written to long-term memory by collection and result.",
		}, []string{"collection", "result"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.turns, c.turnDuration, c.stages, c.requests, c.inflight, c.archived,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveStage implements [orchestrator.Observer].
func (c *Collector) ObserveStage(stage string, d time.Duration, outcome string) {
	c.stages.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// ObserveTurn implements [orchestrator.Observer].
func (c *Collector) ObserveTurn(d time.Duration, err error) {
	c.turns.WithLabelValues(turnOutcome(err)).Inc()
	if err == nil {
		c.turnDuration.Observe(d.Seconds())
	}
}

// ObserveArchive counts one long-term memory write.
func (c *Collector) ObserveArchive(collection string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.archived.WithLabelValues(collection, result).Inc()
}

func turnOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, orchestrator.ErrProfileUnavailable):
		return "profile_unavailable"
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		return "generation_failed"
	default:
		return "aborted"
	}
}

// Middleware counts requests per route. route names the handler, since
// raw paths would make label cardinality unbounded.
func (c *Collector) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.inflight.Inc()
			defer c.inflight.Dec()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.requests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		})
	}
}

// statusWriter records the response code while staying flushable for
// streaming handlers.
type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Observers fans stage and turn observations out to several observers.
type Observers []orchestrator.Observer

// ObserveStage implements [orchestrator.Observer].
func (o Observers) ObserveStage(stage string, d time.Duration, outcome string) {
	for _, obs := range o {
		obs.ObserveStage(stage, d, outcome)
	}
}

// ObserveTurn implements [orchestrator.Observer].
func (o Observers) ObserveTurn(d time.Duration, err error) {
	for _, obs := range o {
		obs.ObserveTurn(d, err)
	}
}
