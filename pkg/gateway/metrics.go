package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Exchange metrics
	exchangesTotal   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	exchangesActive  prometheus.Gauge
	lateDeliveries   *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		exchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_gateway_exchanges_total",
				Help: "Total number of exchanges by route, outcome and reply status",
			},
			[]string{"route", "outcome", "status_code"},
		),

		exchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coap_gateway_exchange_duration_seconds",
				Help:    "Time from registration to reply in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 75},
			},
			[]string{"route", "outcome"},
		),

		exchangesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coap_gateway_exchanges_in_flight",
				Help: "Number of registered exchanges awaiting a reply",
			},
		),

		lateDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_gateway_late_deliveries_total",
				Help: "Downstream results that arrived after their exchange was resolved",
			},
			[]string{"route"},
		),

		rejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_gateway_rejections_total",
				Help: "Requests refused before an exchange was registered",
			},
			[]string{"route", "reason"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_gateway_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coap_gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.exchangesTotal,
		m.exchangeDuration,
		m.exchangesActive,
		m.lateDeliveries,
		m.rejectionsTotal,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordExchange records a resolved exchange
func (m *Metrics) RecordExchange(route, outcome string, status int, duration time.Duration) {
	m.exchangesTotal.WithLabelValues(route, outcome, strconv.Itoa(status)).Inc()
	m.exchangeDuration.WithLabelValues(route, outcome).Observe(duration.Seconds())
}

// ExchangeStarted marks an exchange as registered
func (m *Metrics) ExchangeStarted() {
	m.exchangesActive.Inc()
}

// ExchangeFinished marks an exchange as removed from the registry
func (m *Metrics) ExchangeFinished() {
	m.exchangesActive.Dec()
}

// RecordLateDelivery records a result that found its exchange already resolved
func (m *Metrics) RecordLateDelivery(route string) {
	m.lateDeliveries.WithLabelValues(route).Inc()
}

// RecordRejection records a request refused before registration
func (m *Metrics) RecordRejection(route, reason string) {
	m.rejectionsTotal.WithLabelValues(route, reason).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics.
// endpoint maps a request path to a bounded label value.
func (m *Metrics) MetricsMiddleware(next http.Handler, endpoint func(path string) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpoint(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
