// Package tracing configures OpenTelemetry span export for record deliveries.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

// EnvExporters names the environment variable holding a comma separated list
// of span exporters (otlp, jaeger, zipkin).
const EnvExporters = "OTEL_TRACES_EXPORTER"

// Setup installs a global tracer provider with a batching span processor per
// configured exporter. With no exporters configured spans are created but not
// exported. The returned function flushes and stops the provider.
func Setup(ctx context.Context) (func(context.Context) error, error) {
	tc := propagation.TraceContext{}
	otel.SetTextMapPropagator(tc)

	exporters, err := buildTracerExporters(ctx, os.Getenv(EnvExporters))
	if err != nil {
		return nil, err
	}

	options := []trace.TracerProviderOption{}

	for _, exporter := range exporters {
		options = append(options, trace.WithBatcher(exporter))
	}

	tp := trace.NewTracerProvider(options...)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func buildTracerExporters(ctx context.Context, names string) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	if names == "" {
		return exporters, nil
	}

	for _, exporterStr := range strings.Split(names, ",") {
		switch strings.TrimSpace(exporterStr) {
		case "otlp":
			exporter, err := otlptracegrpc.New(ctx)
			if err != nil {
				return nil, fmt.Errorf("new OTLP gRPC exporter: %w", err)
			}
			exporters = append(exporters, exporter)
		case "jaeger":
			exporter, err := jaeger.New(jaeger.WithCollectorEndpoint())
			if err != nil {
				return nil, fmt.Errorf("new Jaeger exporter: %w", err)
			}
			exporters = append(exporters, exporter)
		case "zipkin":
			exporter, err := zipkin.New("")
			if err != nil {
				return nil, fmt.Errorf("new Zipkin exporter: %w", err)
			}
			exporters = append(exporters, exporter)
		default:
			return nil, fmt.Errorf("unknown or unsupported exporter: %q", exporterStr)
		}
	}
	return exporters, nil
}
