// Package metrics exposes Prometheus metrics for the engine, the HTTP layer
// and the reconciliation scheduler. Each Metrics owns its registry, so tests
// can build as many as they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blureserve/seat-engine/reserve"
)

const namespace = "blureserve"

type Metrics struct {
	registry *prometheus.Registry

	// BookingsTotal counts Book calls by outcome (ok, conflict, cap_exceeded, ...).
	BookingsTotal *prometheus.CounterVec

	// CancellationsTotal counts Cancel calls by outcome.
	CancellationsTotal *prometheus.CounterVec

	// OperationDuration is the latency of Book and Cancel.
	OperationDuration *prometheus.HistogramVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// ReconcileRuns counts reconciliation passes by result (clean, discrepancies, error).
	ReconcileRuns *prometheus.CounterVec

	// ReconcileDiscrepancies is the discrepancy count of the last pass.
	ReconcileDiscrepancies prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BookingsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bookings_total",
				Help:      "Book calls by outcome.",
			},
			[]string{"outcome"},
		),
		CancellationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cancellations_total",
				Help:      "Cancel calls by outcome.",
			},
			[]string{"outcome"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Latency of reservation operations.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ReconcileRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Reconciliation passes by result.",
			},
			[]string{"result"},
		),
		ReconcileDiscrepancies: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconcile_discrepancies",
				Help:      "Discrepancies found by the last reconciliation pass.",
			},
		),
	}
}

// ObserveBook implements reserve.Recorder.
func (m *Metrics) ObserveBook(outcome string, elapsed time.Duration) {
	m.BookingsTotal.WithLabelValues(outcome).Inc()
	m.OperationDuration.WithLabelValues("book").Observe(elapsed.Seconds())
}

// ObserveCancel implements reserve.Recorder.
func (m *Metrics) ObserveCancel(outcome string, elapsed time.Duration) {
	m.CancellationsTotal.WithLabelValues(outcome).Inc()
	m.OperationDuration.WithLabelValues("cancel").Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveReconcile(report reserve.ReconciliationReport, err error) {
	switch {
	case err != nil:
		m.ReconcileRuns.WithLabelValues("error").Inc()
		return
	case report.OK():
		m.ReconcileRuns.WithLabelValues("clean").Inc()
	default:
		m.ReconcileRuns.WithLabelValues("discrepancies").Inc()
	}
	m.ReconcileDiscrepancies.Set(float64(len(report.Discrepancies)))
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency. The route label is chi's
// route pattern, so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
