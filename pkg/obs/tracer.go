package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig controls the global tracer provider built by
// InitGlobalTracer. The only supported exporter is otlptracehttp, so
// there is no exporter-choice field here.
type TracerConfig struct {
	Enabled bool
	EndpointURL string
	SamplingRate float64
	ServiceName string
}

// InitGlobalTracer builds and installs the global TracerProvider. When
// disabled it installs a no-op provider so callers never need to branch
// on whether tracing is enabled.
func InitGlobalTracer(ctx context.Context, cfg *TracerConfig) (trace.TracerProvider, error) {
	if cfg == nil || !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.EndpointURL),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: build otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "simsocius"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// GetTracer returns a named tracer from the currently installed global
// provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartTurnSpan opens a span covering one Simulator.Run turn.
func StartTurnSpan(ctx context.Context, nodeID, turn int) (context.Context, trace.Span) {
	return GetTracer("simsocius/simulator").Start(ctx, "simulator.turn",
		trace.WithAttributes(
			attribute.Int("simsocius.node_id", nodeID),
			attribute.Int("simsocius.turn", turn),
		),
	)
}

// StartExperimentRunSpan opens a span covering one experiment run.
func StartExperimentRunSpan(ctx context.Context, runID string, variantCount int) (context.Context, trace.Span) {
	return GetTracer("simsocius/experiment").Start(ctx, "experiment.run",
		trace.WithAttributes(
			attribute.String("simsocius.run_id", runID),
			attribute.Int("simsocius.variant_count", variantCount),
		),
	)
}
