package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// ErrorCounter counts errors by type and endpoint
	ErrorCounter *prometheus.CounterVec

	// LedgerAdmissions counts quota checks by result (admitted, exceeded, error)
	LedgerAdmissions *prometheus.CounterVec
	// LedgerThresholdCrossings counts warning/limit flag flips
	LedgerThresholdCrossings *prometheus.CounterVec
	// LedgerOperationDuration tracks store round trips
	LedgerOperationDuration *prometheus.HistogramVec

	// DeliveryAttempts counts HTTP attempts by destination type and outcome
	DeliveryAttempts *prometheus.CounterVec
	// DeliveryResults counts finished deliveries by destination type and result code
	DeliveryResults *prometheus.CounterVec
	// DeliveryRows counts rows delivered
	DeliveryRows *prometheus.CounterVec
	// DeliveryDuration tracks whole-delivery duration including backoff
	DeliveryDuration *prometheus.HistogramVec

	// Notifications counts notification sends by kind and status
	Notifications *prometheus.CounterVec

	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "endpoint", "method"},
		),
		LedgerAdmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_admissions_total",
				Help:      "Total number of quota checks by result",
			},
			[]string{"result"},
		),
		LedgerThresholdCrossings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_threshold_crossings_total",
				Help:      "Total number of usage thresholds crossed",
			},
			[]string{"kind"},
		),
		LedgerOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_operation_duration_seconds",
				Help:      "Duration of ledger store operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_attempts_total",
				Help:      "Total number of delivery HTTP attempts",
			},
			[]string{"destination", "outcome"},
		),
		DeliveryResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_results_total",
				Help:      "Total number of finished deliveries by result",
			},
			[]string{"destination", "result"},
		),
		DeliveryRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_rows_total",
				Help:      "Total number of rows delivered",
			},
			[]string{"destination"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Duration of a delivery call including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"destination"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notifications by kind and status",
			},
			[]string{"kind", "status"},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.ErrorCounter,
		m.LedgerAdmissions,
		m.LedgerThresholdCrossings,
		m.LedgerOperationDuration,
		m.DeliveryAttempts,
		m.DeliveryResults,
		m.DeliveryRows,
		m.DeliveryDuration,
		m.Notifications,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, endpoint, method string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(errorType, endpoint, method).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Dec()
}

// RecordAdmission records a quota check result: admitted, exceeded, row_cap or error.
func (m *Metrics) RecordAdmission(result string) {
	if m == nil {
		return
	}
	m.LedgerAdmissions.WithLabelValues(result).Inc()
}

// RecordThresholdCrossing records a usage threshold flag flip.
func (m *Metrics) RecordThresholdCrossing(kind string) {
	if m == nil {
		return
	}
	m.LedgerThresholdCrossings.WithLabelValues(kind).Inc()
}

// RecordLedgerOperation records the duration of a ledger store call.
func (m *Metrics) RecordLedgerOperation(operation string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LedgerOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordDeliveryAttempt records one HTTP attempt against a destination.
func (m *Metrics) RecordDeliveryAttempt(destination, outcome string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(destination, outcome).Inc()
}

// RecordDeliveryResult records a finished delivery call.
func (m *Metrics) RecordDeliveryResult(destination, result string, rows int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DeliveryResults.WithLabelValues(destination, result).Inc()
	if rows > 0 {
		m.DeliveryRows.WithLabelValues(destination).Add(float64(rows))
	}
	m.DeliveryDuration.WithLabelValues(destination).Observe(durationSeconds)
}

// RecordNotification records a notification send.
func (m *Metrics) RecordNotification(kind, status string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind, status).Inc()
}
