// Package telemetry wires OpenTelemetry tracing for knowledge-hub and
// carries trace context across the event transports in message headers.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/knowledge-hub/knowledge-hub/internal/config"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "knowledge-hub"

const shutdownTimeout = 5 * time.Second

// Provider owns the process tracer provider. The zero value is a disabled
// provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup installs the global tracer provider and propagator described by
// cfg. Disabled telemetry installs a noop provider and leaves the
// propagator untouched, so no trace headers are added to events.
func Setup(ctx context.Context, cfg config.TelemetryConfig, environment, version string) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.String("deployment.environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return &Provider{tp: tp}, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "grpc":
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp grpc exporter: %w", err)
		}
		return exp, nil
	case "http":
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp http exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("OTEL_EXPORTER: unknown exporter %q", cfg.Exporter)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// InjectHeaders returns headers plus the trace context of ctx. The input
// map is not modified; it is returned as is when there is nothing to add.
func InjectHeaders(ctx context.Context, headers map[string]string) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return headers
	}
	out := make(map[string]string, len(headers)+len(carrier))
	for k, v := range headers {
		out[k] = v
	}
	for k, v := range carrier {
		out[k] = v
	}
	return out
}

// ExtractHeaders returns ctx carrying the remote span context found in
// headers, if any.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
