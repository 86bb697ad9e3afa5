// Package telemetry configures OpenTelemetry tracing for the orchestrator.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTracer installs a global tracer provider exporting spans to w as JSON.
// When enabled is false the global no-op provider stays in place.
func InitTracer(enabled bool, serviceName, instanceID string, w io.Writer) ShutdownFunc {
	if !enabled {
		return noopShutdown
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		slog.Warn("Telemetry exporter init failed", "error", err)
		return noopShutdown
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			attribute.String("service.instance.id", instanceID),
		)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}

// OpenOutput resolves a span destination: "stdout", "stderr" or a file path
// opened for append. The returned close func is a no-op for the standard streams.
func OpenOutput(output string) (io.Writer, func() error, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, func() error { return nil }, nil
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace output: %w", err)
	}
	return f, f.Close, nil
}
