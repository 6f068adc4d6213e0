package observe

import (
	"context"
	"errors"
	"fmt"

	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config describes the service identity reported in telemetry and the
// optional span destination.
type Config struct {
	// ServiceName defaults to "ensemble".
	ServiceName string

	// ServiceVersion is free-form, usually the build version.
	ServiceVersion string

	// SpanExporter receives finished spans. Leave nil to record spans
	// without exporting them; metric export is unaffected.
	SpanExporter sdktrace.SpanExporter
}

// Init registers the global OTel meter and tracer providers: metrics flow
// to a Prometheus exporter (scraped via the gateway's /metrics route),
// spans to the configured exporter when one is given.
//
// The returned function flushes and shuts both providers down; defer it
// from main with a bounded context.
func Init(cfg Config) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "ensemble"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return shutdown, nil
}
