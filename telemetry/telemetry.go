/*
telemetry.go - OpenTelemetry tracer provider setup

PURPOSE:
  Installs the global tracer provider used by the kpi package spans.
  Metrics are not routed through OpenTelemetry; the kpi package registers
  Prometheus collectors directly and the router serves /metrics.

EXPORTERS:
  stdout  Spans written as JSON to Config.Writer (os.Stdout by default)
  none    No provider installed; spans are no-ops

USAGE:
  shutdown, err := telemetry.Init(ctx, telemetry.Config{...})
  defer shutdown(ctx)
*/
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var ErrUnknownExporter = errors.New("unknown trace exporter")

type Config struct {
	ServiceName    string
	ServiceVersion string
	// Environment defaults to $KPI_ENV, then "development".
	Environment string
	// Exporter is "stdout" or "none".
	Exporter string
	Writer   io.Writer
}

// Init installs the tracer provider described by cfg and returns the
// function flushing it.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}

	if cfg.Environment == "" {
		cfg.Environment = os.Getenv("KPI_ENV")
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
