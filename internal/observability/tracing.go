package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/internal/config"
)

// Tracing exports spans for the launch pipeline. When disabled every span is a no-op.
type Tracing struct {
	logger   *zap.SugaredLogger
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
}

// NewTracing creates the tracer; cfg.Enabled=false yields a no-op tracer
func NewTracing(logger *zap.SugaredLogger, cfg config.TracingConfig, serviceVersion string) (*Tracing, error) {
	t := &Tracing{
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(config.AppName),
	}

	if !cfg.Enabled {
		logger.Debug("OpenTelemetry tracing disabled")
		return t, nil
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.AppName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.tracer = t.provider.Tracer(config.AppName)

	logger.Infow("OpenTelemetry tracing initialized",
		"otlp_endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate)

	return t, nil
}

// StartSpan starts a new span. Safe on a nil receiver.
func (t *Tracing) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if t == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Close flushes and shuts down the exporter
func (t *Tracing) Close(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	t.logger.Debug("Shutting down OpenTelemetry tracing")
	return t.provider.Shutdown(ctx)
}
