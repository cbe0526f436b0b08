package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies one upstream call.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeError         Outcome = "error"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	upstreamCallCounter  metric.Int64Counter
	upstreamLatencyHisto metric.Float64Histogram
)

// UpstreamMetrics captures the fields recorded for each generateContent call.
type UpstreamMetrics struct {
	Model      string
	Outcome    Outcome
	StatusCode int
	Duration   time.Duration
}

// RecordUpstreamCall emits the call counter and latency histogram, and annotates
// the active span with the outcome.
func RecordUpstreamCall(ctx context.Context, m UpstreamMetrics) {
	attrs := []attribute.KeyValue{
		attribute.String("upstream.model", m.Model),
		attribute.String("upstream.outcome", string(m.Outcome)),
		attribute.Int("http.status_code", m.StatusCode),
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
		if m.Outcome != OutcomeSuccess {
			span.SetStatus(codes.Error, string(m.Outcome))
		}
	}

	if err := ensureMetrics(); err != nil {
		return
	}

	upstreamCallCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		upstreamLatencyHisto.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("relay.upstream")

		upstreamCallCounter, metricsInitErr = meter.Int64Counter(
			"relay.upstream.calls_total",
			metric.WithDescription("generateContent calls partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamLatencyHisto, metricsInitErr = meter.Float64Histogram(
			"relay.upstream.duration_ms",
			metric.WithDescription("Observed generateContent latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
