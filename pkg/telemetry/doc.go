// Package telemetry wires OpenTelemetry tracing and metric instruments for the
// gateway.
//
// It owns tracer provider setup and exporter configuration, and records the
// per-exchange outcome metrics and span events that let operators correlate
// HTTP replies with the downstream CoAP behaviour behind them.
package telemetry
