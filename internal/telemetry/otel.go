// Package telemetry bootstraps the OpenTelemetry trace pipeline for the
// aggregator process.
package telemetry

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// Custom environment variables similar to the OTLP exporter spec
	consoleTracesWriterKey     = "OTEL_EXPORTER_CONSOLE_TRACES_WRITER"
	defaultConsoleTracesWriter = "stdout"

	tracesExporterKey = "OTEL_TRACES_EXPORTER"
)

// SetupOTelSDK installs the global tracer provider. The returned shutdown
// must be called for proper span flushing. Setting OTEL_TRACES_EXPORTER to
// "none" disables the pipeline.
func SetupOTelSDK(ctx context.Context) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if os.Getenv(tracesExporterKey) == "none" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(tracesWriter()))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func tracesWriter() io.Writer {
	switch os.Getenv(consoleTracesWriterKey) {
	case "stderr":
		return os.Stderr
	case "", defaultConsoleTracesWriter:
		return os.Stdout
	default:
		return os.Stdout
	}
}
