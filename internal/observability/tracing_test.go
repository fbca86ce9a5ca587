package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledTracingIsNoOp(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	ctx, span := tp.StartSpan(context.Background(), SpanMainCycle)
	if ctx == nil || span == nil {
		t.Fatal("noop tracer must still hand out usable spans")
	}
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestUnsupportedExporterRejected(t *testing.T) {
	if _, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Fatal("NewTracerProvider should reject an unknown exporter")
	}
}

func TestStartSpanFoldsContextIdentifiers(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := newTracerProvider(exporter, nil, 1.0)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx := ContextWithSessionID(context.Background(), "s1")
	ctx = ContextWithJobID(ctx, "job-9")
	_, span := tp.StartSpan(ctx, SpanMainCycle)
	span.End()
	if err := tp.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := map[string]string{}
	for _, attr := range spans[0].Attributes {
		got[string(attr.Key)] = attr.Value.AsString()
	}
	if got[AttrSessionID] != "s1" {
		t.Errorf("session attribute = %q, want s1", got[AttrSessionID])
	}
	if got[AttrJobID] != "job-9" {
		t.Errorf("job attribute = %q, want job-9", got[AttrJobID])
	}
	if spans[0].Name != SpanMainCycle {
		t.Errorf("span name = %q, want %q", spans[0].Name, SpanMainCycle)
	}
}
