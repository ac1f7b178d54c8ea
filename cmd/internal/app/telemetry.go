package app

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// initTracing installs the global TracerProvider selected by cfg.TraceExporter and returns
// a tracer plus its shutdown func. "none" installs a no-op provider.
func initTracing(cfg TelemetryConfig, env string, w io.Writer) (trace.Tracer, func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "continuum"
	}

	switch cfg.TraceExporter {
	case "", "none":
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp.Tracer(name), func(context.Context) error { return nil }, nil

	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		res := resource.NewWithAttributes("",
			attribute.String("service.name", name),
			attribute.String("deployment.environment", env),
		)
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		return tp.Tracer(name), tp.Shutdown, nil

	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.TraceExporter)
	}
}
