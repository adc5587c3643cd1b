package event

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver converts execution events into OpenTelemetry spans.
//
// Each event becomes an immediately-ended span:
//   - Span name: the event type (e.g. "node.completed", "flow.failed")
//   - Attributes: executionID, index, nodeID, and scalar payload fields
//   - Status: error when the payload carries a "message" on a failure event
//
// Usage:
//
//	tracer := otel.Tracer("flowcore")
//	observer := event.NewOTelObserver(tracer)
//	svc := core.NewService(loader, store, events, runtime,
//	    core.WithObservers(observer),
//	)
type OTelObserver struct {
	tracer trace.Tracer
}

// NewOTelObserver creates an OTelObserver over the given tracer.
func NewOTelObserver(tracer trace.Tracer) *OTelObserver {
	return &OTelObserver{tracer: tracer}
}

// Observe implements Observer. Spans represent points in time and are ended
// immediately; the batch span processor handles export.
func (o *OTelObserver) Observe(executionID string, ev Event) {
	_, span := o.tracer.Start(context.Background(), string(ev.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("flowcore.execution_id", executionID),
		attribute.Int64("flowcore.event_index", ev.Index),
		attribute.String("flowcore.event_id", ev.ID),
	)

	o.addPayloadAttributes(span, ev.Data)

	if ev.Type == FlowFailed || ev.Type == NodeFailed || ev.Type == ChildFailed {
		if msg, ok := ev.Data["message"].(string); ok && msg != "" {
			span.SetStatus(codes.Error, msg)
			span.RecordError(fmt.Errorf("%s", msg))
		}
	}
}

// Flush forces export of all pending spans. Call before shutdown.
func (o *OTelObserver) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// addPayloadAttributes maps scalar payload fields to span attributes.
// Non-scalar values are skipped; they belong to the event store, not traces.
func (o *OTelObserver) addPayloadAttributes(span trace.Span, data map[string]any) {
	for key, value := range data {
		attrKey := "flowcore." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		}
	}
}
