// Package tracing configures the process-wide OpenTelemetry TracerProvider
// (spec component C15). The orchestrator starts spans around device
// connects, key-event submission, and imaging-op submission; no span is
// started for discovery poll cycles. When no OTLP
// endpoint is configured, Init installs a no-op provider so instrumented
// code pays no exporter cost.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/astigmatism/benchd/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceInfo names the process for the OTel resource attached to every
// span.
type ServiceInfo struct {
	Name    string
	Version string
}

var tracer trace.Tracer = noop.NewTracerProvider().Tracer("benchd")

// Shutdown flushes and closes the exporter. Init always returns a non-nil
// Shutdown, even when tracing is disabled.
type Shutdown func(context.Context) error

// Init installs the global TracerProvider from cfg. When cfg.OTLPEndpoint
// is empty, tracer calls become no-ops and the returned Shutdown does
// nothing. Otherwise spans batch-export over OTLP/gRPC, with the exporter's
// own gRPC client instrumented via otelgrpc so the exporter connection
// itself shows up in traces.
func Init(ctx context.Context, svc ServiceInfo, cfg config.Tracing) (Shutdown, error) {
	if cfg.OTLPEndpoint == "" {
		tracer = noop.NewTracerProvider().Tracer(svc.Name)
		return func(context.Context) error { return nil }, nil
	}

	dialOpts := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithDialOption(dialOpts...),
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(svc.Name),
			semconv.ServiceVersion(svc.Version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = provider.Tracer(svc.Name)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(shutdownCtx)
	}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns the process tracer, installed by Init or a no-op default
// if Init has not run (e.g. in tests).
func Tracer() trace.Tracer { return tracer }

// StartSpan starts a span named name under ctx's parent span, if any.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, opts...)
}
