// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for threadgate.
//
// Logging uses log/slog with a redacting handler; NewLogger installs it as
// the process default so components can derive child loggers with
// slog.Default().With("component", name).
//
// Metrics are registered against a caller-supplied registry so tests can
// build isolated instances. All Metrics methods are safe on a nil receiver.
//
// Tracing exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to the global no-op provider otherwise. Packages obtain span
// emitters with otel.Tracer(name).
package observability
