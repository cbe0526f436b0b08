package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics holds the Prometheus collectors for the public listener.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	relayErrors     *prometheus.CounterVec
	inFlight        prometheus.Gauge

	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewHTTPMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
func NewHTTPMetrics() *HTTPMetrics {
	registry := prometheus.NewRegistry()

	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"method", "endpoint"},
		),

		relayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Relay failures by error kind",
			},
			[]string{"kind"},
		),

		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_http_requests_in_flight",
				Help: "Requests currently being served",
			},
		),

		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_calls_total",
				Help: "generateContent calls by model, outcome and upstream status",
			},
			[]string{"model", "outcome", "status_code"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_duration_seconds",
				Help:    "generateContent latency in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"model", "outcome"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.relayErrors,
		m.inFlight,
		m.upstreamCalls,
		m.upstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordHTTPRequest records a finished request.
func (m *HTTPMetrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRelayError counts a failed relay call by kind.
func (m *HTTPMetrics) RecordRelayError(kind string) {
	m.relayErrors.WithLabelValues(kind).Inc()
}

// ObserveUpstreamCall mirrors RecordUpstreamCall on the Prometheus registry so
// the admin listener exposes upstream series without an OTLP collector.
func (m *HTTPMetrics) ObserveUpstreamCall(call UpstreamMetrics) {
	status := "none"
	if call.StatusCode > 0 {
		status = strconv.Itoa(call.StatusCode)
	}
	m.upstreamCalls.WithLabelValues(call.Model, string(call.Outcome), status).Inc()
	m.upstreamDuration.WithLabelValues(call.Model, string(call.Outcome)).Observe(call.Duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts, latency, and in-flight requests.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		wrapped := NewStatusRecorder(w)
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, EndpointName(r.URL.Path), strconv.Itoa(wrapped.Status()), time.Since(start))
	})
}

// StatusRecorder wraps http.ResponseWriter to capture the status code.
type StatusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// NewStatusRecorder wraps w. The status defaults to 200 until WriteHeader is called.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *StatusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *StatusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Status returns the recorded status code.
func (rw *StatusRecorder) Status() int {
	return rw.status
}

func (rw *StatusRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *StatusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// EndpointName maps a path to a bounded label value.
func EndpointName(path string) string {
	switch path {
	case "/":
		return "root"
	case "/api/generate":
		return "generate"
	case "/metrics":
		return "metrics"
	case "/admin/health":
		return "health"
	default:
		return "unknown"
	}
}
