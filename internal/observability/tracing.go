package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceManager wraps the package-level OTel tracer with the span shapes this
// service's pipeline stages need (receive, parse, buffer, dispatch, track,
// publish — spec.md §4.2/§4.7).
type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// InjectTraceContext writes the W3C traceparent/tracestate headers carried by
// ctx into a string-keyed carrier (ObservabilityContext.TraceHeaders uses it
// to build the trace context stamped onto an outbound publish).
func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractTraceContext rebuilds a context carrying the span referenced by an
// inbound MQTT message's traceparent/tracestate, if present, so the receive
// stage span becomes a child of the publisher's trace rather than a root.
func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartReceiveSpan starts the span for the ingress callback stage: message
// arrival off the MQTT client, before decoding.
func (tm *TraceManager) StartReceiveSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "receive", trace.WithAttributes(
		attribute.String("messaging.system", "mqtt"),
		attribute.String("messaging.source", topic),
		attribute.String("messaging.operation", "receive"),
	))
}

// StartParseSpan starts the span for MessageCodec.Decode.
func (tm *TraceManager) StartParseSpan(ctx context.Context, cameraID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "parse", trace.WithAttributes(
		attribute.String("tracker.camera_id", cameraID),
	))
}

// StartBufferSpan starts the span for TimeChunkBuffer.Add.
func (tm *TraceManager) StartBufferSpan(ctx context.Context, sceneID, category string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "buffer", trace.WithAttributes(
		attribute.String("tracker.scene_id", sceneID),
		attribute.String("tracker.category", category),
	))
}

// StartDispatchSpan starts the span for the scheduler handing a chunk to its
// per-scope worker queue.
func (tm *TraceManager) StartDispatchSpan(ctx context.Context, sceneID, category string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("tracker.scene_id", sceneID),
		attribute.String("tracker.category", category),
	))
}

// StartTrackSpan starts the span for the TrackingEngine.Track call.
func (tm *TraceManager) StartTrackSpan(ctx context.Context, sceneID, category string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "track", trace.WithAttributes(
		attribute.String("tracker.scene_id", sceneID),
		attribute.String("tracker.category", category),
	))
}

// StartPublishSpan starts the span for Publisher.Publish.
func (tm *TraceManager) StartPublishSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "publish", trace.WithAttributes(
		attribute.String("messaging.system", "mqtt"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.operation", "publish"),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(1, err.Error()) // Error status
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(2, "") // OK status
}

// AddSpanEvent adds a timestamped event to a span for tracking processing steps.
func (tm *TraceManager) AddSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// AddComponentAttribute adds a component identifier to a span.
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("tracker.component", component))
}
