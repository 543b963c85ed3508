// Package observability owns the Prometheus registry. Metrics implements the
// sink interfaces of the ledger services so they never import Prometheus.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "salesops"

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	orderTransitions *prometheus.CounterVec
	stockMovements   *prometheus.CounterVec
	stockRejections  *prometheus.CounterVec
	invoicesIssued   *prometheus.CounterVec
	approvalDuration *prometheus.HistogramVec
	paymentsRecorded *prometheus.CounterVec
	allocations      *prometheus.CounterVec
	statementReads   *prometheus.HistogramVec
}

// NewMetrics builds the registry with HTTP, domain and runtime metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions.",
		}, []string{"from", "to"}),
		stockMovements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_movements_total",
			Help:      "Committed stock movements by type.",
		}, []string{"type"}),
		stockRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_rejections_total",
			Help:      "Rejected stock operations by reason.",
		}, []string{"reason"}),
		invoicesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_issued_total",
			Help:      "Issued fiscal documents by type.",
		}, []string{"type"}),
		approvalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoice_approval_duration_seconds",
			Help:      "Latency of the approval provider by outcome.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		paymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_recorded_total",
			Help:      "Recorded payments by method.",
		}, []string{"method"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_allocations_total",
			Help:      "Allocation attempts by outcome.",
		}, []string{"outcome"}),
		statementReads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "statement_read_duration_seconds",
			Help:      "Statement reads by source (cache or rebuild).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.orderTransitions, m.stockMovements, m.stockRejections,
		m.invoicesIssued, m.approvalDuration,
		m.paymentsRecorded, m.allocations, m.statementReads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveOrderTransition implements orders.Metrics.
func (m *Metrics) ObserveOrderTransition(from, to string) {
	m.orderTransitions.WithLabelValues(from, to).Inc()
}

// ObserveStockMovement implements stock.Metrics.
func (m *Metrics) ObserveStockMovement(movementType string) {
	m.stockMovements.WithLabelValues(movementType).Inc()
}

// ObserveStockRejection implements stock.Metrics.
func (m *Metrics) ObserveStockRejection(reason string) {
	m.stockRejections.WithLabelValues(reason).Inc()
}

// ObserveInvoiceIssued implements invoicing.Metrics.
func (m *Metrics) ObserveInvoiceIssued(docType string) {
	m.invoicesIssued.WithLabelValues(docType).Inc()
}

// ObserveApproval implements invoicing.Metrics.
func (m *Metrics) ObserveApproval(outcome string, elapsed time.Duration) {
	m.approvalDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObservePaymentRecorded implements payments.Metrics.
func (m *Metrics) ObservePaymentRecorded(method string) {
	m.paymentsRecorded.WithLabelValues(method).Inc()
}

// ObserveAllocation implements payments.Metrics.
func (m *Metrics) ObserveAllocation(outcome string) {
	m.allocations.WithLabelValues(outcome).Inc()
}

// ObserveStatement implements statement.Metrics.
func (m *Metrics) ObserveStatement(source string, elapsed time.Duration) {
	m.statementReads.WithLabelValues(source).Observe(elapsed.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
