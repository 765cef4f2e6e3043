// Package metrics exposes Prometheus collectors for ingest, the registry and HTTP.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

const namespace = "meter_service"

// Metrics owns a private Prometheus registry so several instances can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	readings       *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	updates        *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_accepted_total",
			Help:      "Telemetry readings applied to a meter, by resulting classification.",
		}, []string{"classification"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Telemetry readings rejected, by reason.",
		}, []string{"reason"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time from receipt to commit of an accepted reading.",
			Buckets:   prometheus.DefBuckets,
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meter_updates_total",
			Help:      "Committed meter updates, by cause.",
		}, []string{"cause"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_transitions_total",
			Help:      "Recorded classification transitions, by target classification.",
		}, []string{"to"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readings,
		m.rejections,
		m.ingestDuration,
		m.updates,
		m.transitions,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registerer lets other components add collectors to the same registry.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ReadingAccepted counts an applied reading.
func (m *Metrics) ReadingAccepted(classification models.Classification, elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	m.readings.WithLabelValues(string(classification)).Inc()
	m.ingestDuration.Observe(elapsed.Seconds())
}

// ReadingRejected counts a rejected reading.
func (m *Metrics) ReadingRejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// MeterChanged counts committed updates and their transitions.
func (m *Metrics) MeterChanged(_ context.Context, change registry.Change) {
	m.updates.WithLabelValues(string(change.Cause)).Inc()
	for _, ev := range change.Events {
		m.transitions.WithLabelValues(string(ev.Current)).Inc()
	}
}

// HTTPMiddleware records request counts and latency. route maps a finished request
// to a low-cardinality label; it is called after the handler ran.
func (m *Metrics) HTTPMiddleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	if route == nil {
		route = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			label := route(r)
			m.httpRequests.WithLabelValues(r.Method, label, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(r.Method, label).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

var _ registry.Observer = (*Metrics)(nil)
