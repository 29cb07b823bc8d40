package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	_, span := StartSpan(context.Background(), p.Tracer(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer should produce invalid span contexts")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestStartSpanAndSetError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := StartSpan(context.Background(), tp.Tracer("test"), "coordinator.deploy",
		WorkflowAttrs("wf-1", "proj-1")...)
	SetError(span, errors.New("boom"), PhaseKey.String("deploying"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	got := ended[0]
	if got.Name() != "coordinator.deploy" {
		t.Errorf("Name = %q", got.Name())
	}
	if got.Status().Code != codes.Error || got.Status().Description != "boom" {
		t.Errorf("Status = %+v", got.Status())
	}

	attrs := map[string]string{}
	for _, kv := range got.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs[string(WorkflowIDKey)] != "wf-1" || attrs[string(ProjectIDKey)] != "proj-1" {
		t.Errorf("Attributes = %v", attrs)
	}

	var sawError bool
	for _, ev := range got.Events() {
		if ev.Name == "error_occurred" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("error_occurred event missing")
	}
}
