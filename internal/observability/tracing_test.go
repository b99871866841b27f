package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// newRecordingTracer installs an in-memory span recorder as the global
// provider, so the endpoint-less Tracer records into it.
func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	tracer, _ := NewTracer(TraceConfig{ServiceName: "toolflow-test"})
	return tracer, rec
}

func findSpan(t *testing.T, rec *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, sp := range rec.Ended() {
		if sp.Name() == name {
			return sp
		}
	}
	t.Fatalf("no span named %q recorded", name)
	return nil
}

func attrValue(sp sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range sp.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestLifecycleSpanCarriesToolAndChat(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.TraceLifecycleOp(context.Background(), "create_tool_call", "web_search", "chat-1")
	span.End()

	sp := findSpan(t, rec, "lifecycle.create_tool_call")
	if sp.SpanKind() != trace.SpanKindInternal {
		t.Errorf("kind = %v, want internal", sp.SpanKind())
	}
	if v, ok := attrValue(sp, "tool.name"); !ok || v.AsString() != "web_search" {
		t.Errorf("tool.name = %v", v.AsString())
	}
	if v, ok := attrValue(sp, "chat.id"); !ok || v.AsString() != "chat-1" {
		t.Errorf("chat.id = %v", v.AsString())
	}
}

func TestTransitionSpanNamesTheEdge(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.TraceTransition(context.Background(), "call-1", "pending", "processing")
	span.End()

	sp := findSpan(t, rec, "transition.pending_to_processing")
	if v, ok := attrValue(sp, "status.from"); !ok || v.AsString() != "pending" {
		t.Errorf("status.from = %v", v.AsString())
	}
	if v, ok := attrValue(sp, "status.to"); !ok || v.AsString() != "processing" {
		t.Errorf("status.to = %v", v.AsString())
	}
}

func TestDatabaseQuerySpanIsClientKind(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.TraceDatabaseQuery(context.Background(), "select", "tool_calls")
	span.End()

	sp := findSpan(t, rec, "db.select")
	if sp.SpanKind() != trace.SpanKindClient {
		t.Errorf("kind = %v, want client", sp.SpanKind())
	}
	if v, ok := attrValue(sp, "db.table"); !ok || v.AsString() != "tool_calls" {
		t.Errorf("db.table = %v", v.AsString())
	}
}

func TestHTTPRequestSpanIsServerKind(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.TraceHTTPRequest(context.Background(), "GET", "/api/tool-calls")
	span.End()

	sp := findSpan(t, rec, "http.GET /api/tool-calls")
	if sp.SpanKind() != trace.SpanKindServer {
		t.Errorf("kind = %v, want server", sp.SpanKind())
	}
	if v, ok := attrValue(sp, "http.method"); !ok || v.AsString() != "GET" {
		t.Errorf("http.method = %v", v.AsString())
	}
}

func TestSetAttributesCoercesGoValues(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.Start(context.Background(), "attrs")
	tracer.SetAttributes(span,
		"retry_count", 2,
		"approved", true,
		"score", 0.5,
		"tool", "search")
	span.End()

	sp := findSpan(t, rec, "attrs")
	if v, ok := attrValue(sp, "retry_count"); !ok || v.AsInt64() != 2 {
		t.Errorf("retry_count = %v", v.Emit())
	}
	if v, ok := attrValue(sp, "approved"); !ok || !v.AsBool() {
		t.Errorf("approved missing or false")
	}
	if v, ok := attrValue(sp, "score"); !ok || v.AsFloat64() != 0.5 {
		t.Errorf("score = %v", v.Emit())
	}
}

func TestAddEventAttachesToSpan(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.Start(context.Background(), "sweep")
	tracer.AddEvent(span, "sweep.removed", "calls", 3)
	span.End()

	sp := findSpan(t, rec, "sweep")
	events := sp.Events()
	if len(events) != 1 || events[0].Name != "sweep.removed" {
		t.Fatalf("events = %+v", events)
	}
}

func TestWithSpanRecordsFunctionError(t *testing.T) {
	tracer, rec := newRecordingTracer()

	boom := errors.New("store unavailable")
	err := WithSpan(context.Background(), tracer, "flaky", func(context.Context, trace.Span) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	sp := findSpan(t, rec, "flaky")
	if sp.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", sp.Status().Code)
	}
	if len(sp.Events()) == 0 {
		t.Errorf("expected an error event on the span")
	}
}

func TestTraceAndSpanIDsFollowContext(t *testing.T) {
	tracer, _ := newRecordingTracer()

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("trace id without a span = %q", id)
	}
	if id := GetSpanID(context.Background()); id != "" {
		t.Errorf("span id without a span = %q", id)
	}

	ctx, span := tracer.Start(context.Background(), "op")
	defer span.End()
	if GetTraceID(ctx) == "" || GetSpanID(ctx) == "" {
		t.Errorf("expected ids inside a span, got trace=%q span=%q", GetTraceID(ctx), GetSpanID(ctx))
	}
}

func TestExtractContextHonorsTraceparent(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tracer, _ := newRecordingTracer()

	h := http.Header{}
	h.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := tracer.ExtractContext(context.Background(), propagation.HeaderCarrier(h))

	if got := GetTraceID(ctx); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("extracted trace id = %q", got)
	}
}

func TestTracerWithoutEndpointIsSafe(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "noop")
	tracer.SetAttributes(span, "k", "v")
	tracer.RecordError(span, errors.New("recorded on noop"))
	span.End()
}
