package gateway

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-coap/pkg/domain"
)

// StructuredLogger writes exchange and request records with trace correlation
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// ExchangeRecord describes one resolved exchange.
type ExchangeRecord struct {
	ID       string
	Route    string
	Method   string
	Target   string
	Outcome  string
	Status   int
	Absent   bool
	Duration time.Duration
}

// LogExchange logs the resolution of an exchange
func (sl *StructuredLogger) LogExchange(ctx context.Context, rec ExchangeRecord) {
	attrs := []slog.Attr{
		slog.String("exchange_id", rec.ID),
		slog.String("route", rec.Route),
		slog.String("method", rec.Method),
		slog.String("target", rec.Target),
		slog.String("outcome", rec.Outcome),
		slog.Int("status_code", rec.Status),
		slog.Duration("duration", rec.Duration),
	}
	if rec.Absent {
		attrs = append(attrs, slog.Bool("absent", true))
	}
	attrs = appendTraceAttrs(ctx, attrs)

	level := slog.LevelDebug
	switch {
	case rec.Status >= 500:
		level = slog.LevelWarn
	case rec.Status >= 400:
		level = slog.LevelInfo
	}

	sl.logger.LogAttrs(ctx, level, "Exchange resolved", attrs...)
}

// LogRejection logs a request refused before an exchange was registered
func (sl *StructuredLogger) LogRejection(ctx context.Context, route, method, reason string, status int, err error) {
	attrs := []slog.Attr{
		slog.String("route", route),
		slog.String("method", method),
		slog.String("reason", reason),
		slog.Int("status_code", status),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	attrs = appendTraceAttrs(ctx, attrs)

	level := slog.LevelInfo
	switch {
	case reason == reasonPolicy:
		level = slog.LevelWarn
	case domain.IsProtocolError(err):
		level = slog.LevelDebug
	}

	sl.logger.LogAttrs(ctx, level, "Request rejected", attrs...)
}

// LogHTTPRequest logs HTTP request details
func (sl *StructuredLogger) LogHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	}
	attrs = appendTraceAttrs(ctx, attrs)

	level := slog.LevelDebug
	if statusCode >= 400 {
		level = slog.LevelWarn
	}
	if statusCode >= 500 {
		level = slog.LevelError
	}

	sl.logger.LogAttrs(ctx, level, "HTTP request", attrs...)
}

func appendTraceAttrs(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	if traceID := getTraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if spanID := getSpanID(ctx); spanID != "" {
		attrs = append(attrs, slog.String("span_id", spanID))
	}
	return attrs
}

func getTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

func getSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}
