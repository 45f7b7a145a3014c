// Package telemetry manages OpenTelemetry providers for triaged.
//
// It owns the TracerProvider and MeterProvider, wires OTLP export over
// gRPC or HTTP, and degrades gracefully: exporter failures never stop
// the service, they only mark telemetry as degraded.
package telemetry
