// Package telemetry wires OpenTelemetry tracing for butler daemons.
//
// Spans are always created (valid trace/span ids are needed for the
// accept-then-process correlation even without an exporter); an OTLP
// exporter is attached only when an endpoint is configured. Components
// receive an injected trace.Tracer and default to the process global, so
// tests can substitute an in-memory span recorder.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName identifies spans produced by this module.
const instrumentationName = "butlerd"

// Config controls tracer provider construction.
type Config struct {
	// ServiceName appears as service.name on every exported span.
	ServiceName string
	// Endpoint is the OTLP/gRPC collector address. Empty disables export
	// (spans are still recorded so ids propagate).
	Endpoint string
	// Insecure disables TLS on the exporter connection.
	Insecure bool
}

// Telemetry owns the tracer provider for one daemon.
type Telemetry struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init builds the tracer provider, installs it as the otel global, and
// registers the W3C trace-context propagator.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Endpoint != "" {
		expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Telemetry{
		provider: tp,
		tracer:   tp.Tracer(instrumentationName),
	}, nil
}

// Tracer returns the daemon's tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown flushes and stops the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// Tracer returns the process-global tracer under the module's
// instrumentation name. Components use this as their default when no
// tracer is injected.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
