package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordExchange(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordExchange(ctx, ExchangeMetrics{
		Route:    "proxy",
		Method:   "GET",
		Outcome:  OutcomeTimedOut,
		Status:   504,
		Duration: 750 * time.Millisecond,
	})

	metrics := collectMetrics(t, reader)

	total, ok := metrics["gateway.exchanges_total"]
	if !ok {
		t.Fatalf("missing gateway.exchanges_total metric")
	}
	totalData, ok := total.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for exchanges metric")
	}
	if len(totalData.DataPoints) != 1 || totalData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single exchange datapoint with value 1, got %+v", totalData.DataPoints)
	}
	if value, ok := totalData.DataPoints[0].Attributes.Value(attribute.Key("exchange.outcome")); !ok || value.AsString() != OutcomeTimedOut {
		t.Fatalf("expected exchange.outcome timed_out, got %v", value)
	}

	timeouts, ok := metrics["gateway.exchange.timeouts_total"]
	if !ok {
		t.Fatalf("missing gateway.exchange.timeouts_total metric")
	}
	if timeouts.Data.(metricdata.Sum[int64]).DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1")
	}

	hist, ok := metrics["gateway.exchange.duration_ms"]
	if !ok {
		t.Fatalf("missing gateway.exchange.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 750 {
		t.Fatalf("expected histogram sum 750, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordLateDeliveryAndRejection(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordLateDelivery(ctx, "local")
	RecordLateDelivery(ctx, "local")
	RecordRejection(ctx, "proxy", "rate_limited")

	metrics := collectMetrics(t, reader)

	late, ok := metrics["gateway.exchange.late_deliveries_total"]
	if !ok {
		t.Fatalf("missing late deliveries metric")
	}
	if v := late.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 2 {
		t.Fatalf("expected 2 late deliveries, got %d", v)
	}

	rejected, ok := metrics["gateway.rejections_total"]
	if !ok {
		t.Fatalf("missing rejections metric")
	}
	point := rejected.Data.(metricdata.Sum[int64]).DataPoints[0]
	if value, ok := point.Attributes.Value(attribute.Key("rejection.reason")); !ok || value.AsString() != "rate_limited" {
		t.Fatalf("expected rejection.reason rate_limited, got %v", value)
	}
}

func TestRecordExchangeEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "exchange")
	RecordExchangeEvent(span, OutcomeFulfilled, 404, true)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "exchange.resolved" {
		t.Fatalf("expected one exchange.resolved event, got %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("exchange.absent")); !ok || !value.AsBool() {
		t.Fatalf("expected exchange.absent attribute true")
	}
	if value, ok := attrs.Value(attribute.Key("http.response.status_code")); !ok || value.AsInt64() != 404 {
		t.Fatalf("expected status 404, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "polis-coap"})
	if err != nil {
		t.Fatalf("SetupProvider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewResourceCarriesServiceAttributes(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		ServiceName:  "polis-coap",
		Version:      "1.2.3",
		Environment:  "test",
		ResourceTags: map[string]string{"site": "lab"},
	})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}

	set := res.Set()
	if v, ok := set.Value("service.name"); !ok || v.AsString() != "polis-coap" {
		t.Fatalf("expected service.name polis-coap, got %v", v)
	}
	if v, ok := set.Value("deployment.environment"); !ok || v.AsString() != "test" {
		t.Fatalf("expected deployment.environment test, got %v", v)
	}
	if v, ok := set.Value("site"); !ok || v.AsString() != "lab" {
		t.Fatalf("expected site lab, got %v", v)
	}
}
