package event

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingObserver(t *testing.T) (*OTelObserver, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelObserver(tp.Tracer("flowcore-test")), recorder
}

func attrValue(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOTelObserver(t *testing.T) {
	t.Run("event becomes a span", func(t *testing.T) {
		obs, recorder := newRecordingObserver(t)

		obs.Observe("EX1", Event{
			ID:    "EV1",
			Index: 2,
			Type:  NodeCompleted,
			Data:  map[string]any{"nodeId": "set-1"},
		})

		spans := recorder.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		span := spans[0]
		if span.Name() != "node.completed" {
			t.Errorf("expected span name node.completed, got %s", span.Name())
		}
		if v, ok := attrValue(span, "flowcore.execution_id"); !ok || v.AsString() != "EX1" {
			t.Errorf("missing execution_id attribute: %v", span.Attributes())
		}
		if v, ok := attrValue(span, "flowcore.event_index"); !ok || v.AsInt64() != 2 {
			t.Errorf("missing event_index attribute: %v", span.Attributes())
		}
		if v, ok := attrValue(span, "flowcore.nodeId"); !ok || v.AsString() != "set-1" {
			t.Errorf("missing payload attribute: %v", span.Attributes())
		}
	})

	t.Run("failure events carry error status", func(t *testing.T) {
		obs, recorder := newRecordingObserver(t)

		obs.Observe("EX1", Event{
			ID:    "EV1",
			Index: 0,
			Type:  FlowFailed,
			Data:  map[string]any{"message": "node blew up"},
		})

		spans := recorder.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		status := spans[0].Status()
		if status.Code != codes.Error {
			t.Errorf("expected error status, got %v", status.Code)
		}
		if status.Description != "node blew up" {
			t.Errorf("expected failure message in status, got %q", status.Description)
		}
		if len(spans[0].Events()) == 0 {
			t.Error("expected a recorded error event on the span")
		}
	})

	t.Run("non-scalar payload fields are skipped", func(t *testing.T) {
		obs, recorder := newRecordingObserver(t)

		obs.Observe("EX1", Event{
			ID:    "EV1",
			Index: 0,
			Type:  NodeCompleted,
			Data:  map[string]any{"nested": map[string]any{"x": 1}, "nodeId": "a"},
		})

		span := recorder.Ended()[0]
		if _, ok := attrValue(span, "flowcore.nested"); ok {
			t.Error("non-scalar payload should not become an attribute")
		}
		if _, ok := attrValue(span, "flowcore.nodeId"); !ok {
			t.Error("scalar payload should become an attribute")
		}
	})
}
