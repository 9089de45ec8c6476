// Package telemetry wires OpenTelemetry for a single scan run.
package telemetry

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Options selects where spans go.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is an OTLP HTTP URL. Empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	// Debug receives spans as indented JSON when no endpoint is configured.
	Debug io.Writer
}

// Shutdown flushes pending spans and stops the provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global tracer provider. With neither an endpoint nor a
// debug writer nothing is installed and spans stay no-ops.
func Init(ctx context.Context, opts Options) (Shutdown, error) {
	exporter, err := newExporter(ctx, opts)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	endpoint := cmp.Or(opts.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	switch {
	case endpoint != "":
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	case opts.Debug != nil:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(opts.Debug), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, nil
	}
}

// Tracer returns a named OTel tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns a named OTel meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
