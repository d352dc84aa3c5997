package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	exchangeCounter        metric.Int64Counter
	exchangeTimeoutCounter metric.Int64Counter
	lateDeliveryCounter    metric.Int64Counter
	rejectionCounter       metric.Int64Counter
	exchangeLatency        metric.Float64Histogram
)

// Outcome names used for exchange metrics. They match exchange state names.
const (
	OutcomeFulfilled        = "fulfilled"
	OutcomeTimedOut         = "timed_out"
	OutcomeInterrupted      = "interrupted"
	OutcomeConsistencyError = "consistency_error"
)

// ExchangeMetrics captures the fields recorded for one completed exchange.
type ExchangeMetrics struct {
	Route    string
	Method   string
	Outcome  string
	Status   int
	Duration time.Duration
	// Absent is set when the downstream produced no result.
	Absent bool
}

// RecordExchange emits counters and histograms describing one exchange.
func RecordExchange(ctx context.Context, m ExchangeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("gateway.route", m.Route),
		attribute.String("http.request.method", m.Method),
		attribute.String("exchange.outcome", m.Outcome),
		attribute.Int("http.response.status_code", m.Status),
		attribute.Bool("exchange.absent", m.Absent),
	)

	exchangeCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		exchangeLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Outcome == OutcomeTimedOut {
		exchangeTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway.route", m.Route)))
	}
}

// RecordLateDelivery counts a downstream result that arrived after its
// exchange had already been resolved.
func RecordLateDelivery(ctx context.Context, route string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	lateDeliveryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway.route", route)))
}

// RecordRejection counts a request refused before an exchange was registered.
func RecordRejection(ctx context.Context, route, reason string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	rejectionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway.route", route),
		attribute.String("rejection.reason", reason),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("coap.gateway")

		exchangeCounter, metricsInitErr = meter.Int64Counter(
			"gateway.exchanges_total",
			metric.WithDescription("Completed exchanges partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		exchangeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"gateway.exchange.timeouts_total",
			metric.WithDescription("Exchanges abandoned at the gateway timeout"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		lateDeliveryCounter, metricsInitErr = meter.Int64Counter(
			"gateway.exchange.late_deliveries_total",
			metric.WithDescription("Downstream results discarded because the exchange was already resolved"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		rejectionCounter, metricsInitErr = meter.Int64Counter(
			"gateway.rejections_total",
			metric.WithDescription("Requests refused before dispatch"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		exchangeLatency, metricsInitErr = meter.Float64Histogram(
			"gateway.exchange.duration_ms",
			metric.WithDescription("Time from registration to reply"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordExchangeEvent attaches the exchange resolution to span.
func RecordExchangeEvent(span trace.Span, outcome string, status int, absent bool) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("exchange.resolved", trace.WithAttributes(
		attribute.String("exchange.outcome", outcome),
		attribute.Int("http.response.status_code", status),
		attribute.Bool("exchange.absent", absent),
	))
}
