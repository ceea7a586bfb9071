// Copyright 2025 James Ross
package obs

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/model"
)

// MaybeInitTracing optionally initializes a global tracer provider for
// the gateway's enqueue span and the worker's dequeue, job and sandbox
// spans. Trace context is not carried through the broker, so a job's
// gateway span and its worker spans belong to separate traces.
func MaybeInitTracing(cfg config.Tracing, serviceName string) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// ContextWithJobSpan starts the span that follows one job through
// dispatch and execution.
func ContextWithJobSpan(ctx context.Context, tracerName string, job model.JobRequest) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "job.process",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.language", string(job.Language)),
			attribute.Int("job.test_case_count", len(job.TestCases)),
			attribute.Int("job.timeout_ms", job.TimeoutMS),
		),
	)
}

// StartEnqueueSpan creates a span for the gateway's enqueue call.
func StartEnqueueSpan(ctx context.Context, language model.Language) (context.Context, trace.Span) {
	tracer := otel.Tracer("gateway")
	return tracer.Start(ctx, "broker.enqueue",
		trace.WithAttributes(
			attribute.String("queue.language", string(language)),
			attribute.String("queue.operation", "enqueue"),
		),
	)
}

// StartDequeueSpan creates a span for the worker's blocking dequeue call.
func StartDequeueSpan(ctx context.Context, language model.Language) (context.Context, trace.Span) {
	tracer := otel.Tracer("worker")
	return tracer.Start(ctx, "broker.dequeue",
		trace.WithAttributes(
			attribute.String("queue.language", string(language)),
			attribute.String("queue.operation", "dequeue"),
		),
	)
}

// StartSandboxSpan creates a span around one test case's container run.
func StartSandboxSpan(ctx context.Context, jobID string, testID int) (context.Context, trace.Span) {
	tracer := otel.Tracer("sandbox")
	return tracer.Start(ctx, "sandbox.run_test_case",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.Int("test.id", testID),
		),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// AddSpanAttributes adds attributes to the current span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, "")
	}
}
