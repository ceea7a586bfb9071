// Copyright 2025 James Ross
package obs

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/model"
)

func TestMaybeInitTracing(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.Tracing
		expectNil bool
	}{
		{name: "tracing disabled", cfg: config.Tracing{Enabled: false}, expectNil: true},
		{
			name: "tracing enabled with endpoint",
			cfg: config.Tracing{
				Enabled:      true,
				Endpoint:     "http://localhost:4318/v1/traces",
				Environment:  "test",
				SamplingRate: 1.0,
				Insecure:     true,
			},
			expectNil: false,
		},
		{name: "tracing enabled without endpoint", cfg: config.Tracing{Enabled: true}, expectNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			otel.SetTracerProvider(trace.NewNoopTracerProvider())

			tp, err := MaybeInitTracing(tt.cfg, "optimus-test")
			if err != nil {
				t.Fatalf("MaybeInitTracing() error = %v", err)
			}
			if tt.expectNil && tp != nil {
				t.Errorf("expected nil tracer provider, got %v", tp)
			}
			if !tt.expectNil && tp == nil {
				t.Errorf("expected non-nil tracer provider, got nil")
			}
			if tp != nil {
				tp.Shutdown(context.Background())
			}
		})
	}
}

func TestContextWithJobSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	job := model.JobRequest{
		ID:         "job-123",
		Language:   model.LanguagePython,
		SourceCode: "print(1)",
		TestCases:  []model.TestCase{{TestID: 1, Weight: 10}},
		TimeoutMS:  5000,
	}

	ctx, span := ContextWithJobSpan(context.Background(), "worker", job)
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	if !span.IsRecording() {
		t.Error("expected span to be recording")
	}
	span.End()

	if !trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("expected the returned context to carry a valid span context")
	}
}

func TestStartEnqueueAndDequeueSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	_, span := StartEnqueueSpan(context.Background(), model.LanguagePython)
	if !span.IsRecording() {
		t.Error("expected enqueue span to be recording")
	}
	span.End()

	_, span = StartDequeueSpan(context.Background(), model.LanguageJava)
	if !span.IsRecording() {
		t.Error("expected dequeue span to be recording")
	}
	span.End()
}

func TestStartSandboxSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	_, span := StartSandboxSpan(context.Background(), "job-1", 1)
	if !span.IsRecording() {
		t.Error("expected sandbox span to be recording")
	}
	span.End()
}

func TestRecordError(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	tracer := otel.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	RecordError(ctx, &testError{message: "boom"})
	RecordError(ctx, nil)
	RecordError(context.Background(), &testError{message: "no span"})
}

func TestSetSpanSuccess(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	tracer := otel.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	SetSpanSuccess(ctx)
	SetSpanSuccess(context.Background())
}

func TestAddEventAndAttributes(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	tracer := otel.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	AddEvent(ctx, "test-event", attribute.String("key1", "value1"))
	AddEvent(context.Background(), "no-span-event")

	AddSpanAttributes(ctx, attribute.Bool("attr3", true))
	AddSpanAttributes(context.Background(), attribute.String("no-span", "value"))
}

func TestTracerShutdown(t *testing.T) {
	if err := TracerShutdown(context.Background(), nil); err != nil {
		t.Errorf("expected no error for nil tracer provider, got %v", err)
	}
	tp := sdktrace.NewTracerProvider()
	if err := TracerShutdown(context.Background(), tp); err != nil {
		t.Errorf("unexpected error shutting down tracer provider: %v", err)
	}
}

func TestKeyValue(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected attribute.Type
	}{
		{"string", "value", attribute.STRING},
		{"int", 42, attribute.INT64},
		{"int64", int64(42), attribute.INT64},
		{"float64", 3.14, attribute.FLOAT64},
		{"bool", true, attribute.BOOL},
		{"other", struct{}{}, attribute.STRING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := KeyValue("key", tt.value)
			if kv.Value.Type() != tt.expected {
				t.Errorf("expected type %v, got %v", tt.expected, kv.Value.Type())
			}
		})
	}
}

func TestPropagationRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := otel.Tracer("test")
	originalCtx, originalSpan := tracer.Start(context.Background(), "original-span")
	defer originalSpan.End()

	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(originalCtx, propagation.MapCarrier(carrier))

	newCtx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.MapCarrier(carrier))
	newCtx, childSpan := tracer.Start(newCtx, "child-span")
	defer childSpan.End()

	if originalSpan.SpanContext().TraceID() != childSpan.SpanContext().TraceID() {
		t.Error("expected child span to share the parent's trace ID")
	}
	if originalSpan.SpanContext().SpanID() == childSpan.SpanContext().SpanID() {
		t.Error("expected different span IDs for parent and child")
	}
	_ = newCtx
}

type testError struct{ message string }

func (e *testError) Error() string { return e.message }
