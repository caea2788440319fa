package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Stage names a pipeline stage timestamp, matching spec §4.7.
type Stage string

const (
	StageReceive  Stage = "receive"
	StageParse    Stage = "parse"
	StageBuffer   Stage = "buffer"
	StageDispatch Stage = "dispatch"
	StageTrack    Stage = "track"
	StagePublish  Stage = "publish"
)

// DropReason is the closed set of recognized drop reasons.
type DropReason string

const (
	ReasonParseError        DropReason = "parse_error"
	ReasonSchemaInvalid     DropReason = "schema_invalid"
	ReasonFellBehind        DropReason = "fell_behind"
	ReasonSuperseded        DropReason = "superseded"
	ReasonTrackerBusy       DropReason = "tracker_busy"
	ReasonBrokerUnavailable DropReason = "broker_unavailable"
	ReasonShutdown          DropReason = "shutdown"
)

var stageOrder = []Stage{StageReceive, StageParse, StageBuffer, StageDispatch, StageTrack, StagePublish}

// ObservabilityContext is the per-DetectionBatch telemetry object threaded
// through every pipeline stage. It must end in exactly one terminal call —
// Finalize or Abort — for the lifetime of the batch it belongs to; every
// stage-transition method and the two terminal methods serialize on a single
// mutex to make that invariant hold under concurrent access (a batch can be
// aborted by one goroutine while still nominally "in flight" on another,
// e.g. a superseded keep-latest replacement racing the scheduler's dispatch).
type ObservabilityContext struct {
	mu         sync.Mutex
	terminated bool

	rootCtx  context.Context
	rootSpan trace.Span

	stageSpan trace.Span

	currentStage    Stage
	stageTimestamps map[Stage]time.Time

	sceneID  string
	category string

	tracer  *TraceManager
	metrics *MetricsManager
	logger  *slog.Logger
}

// NewObservabilityContext creates the telemetry object for one inbound
// DetectionBatch. traceparent/tracestate come from the broker message's
// trace-context carrier if present (spec §6); when both are empty a new
// trace is started.
func NewObservabilityContext(ctx context.Context, tm *TraceManager, mm *MetricsManager, logger *slog.Logger, sceneID, category, topic, traceparent, tracestate string) *ObservabilityContext {
	parent := ctx
	if traceparent != "" {
		carrier := map[string]string{"traceparent": traceparent}
		if tracestate != "" {
			carrier["tracestate"] = tracestate
		}
		parent = tm.ExtractTraceContext(ctx, carrier)
	}

	rootCtx, rootSpan := tm.StartSpan(parent, "detection_batch")
	tm.AddComponentAttribute(rootSpan, "pipeline")

	oc := &ObservabilityContext{
		rootCtx:         rootCtx,
		rootSpan:        rootSpan,
		stageTimestamps: make(map[Stage]time.Time, len(stageOrder)),
		sceneID:         sceneID,
		category:        category,
		tracer:          tm,
		metrics:         mm,
		logger:          logger,
	}
	receiveCtx, receiveSpan := tm.StartReceiveSpan(rootCtx, topic)
	oc.advance(StageReceive, receiveCtx, receiveSpan)
	return oc
}

// advance closes the current stage span (if any) with success and opens the
// next one. Must be called with mu held.
func (oc *ObservabilityContext) advance(stage Stage, ctx context.Context, span trace.Span) {
	if oc.stageSpan != nil {
		oc.tracer.SetSpanSuccess(oc.stageSpan)
		oc.stageSpan.End()
	}
	oc.stageTimestamps[stage] = time.Now()
	oc.currentStage = stage
	oc.stageSpan = span
	_ = ctx // root context is reused for subsequent spans; stage contexts are not threaded further
}

func (oc *ObservabilityContext) markStage(stage Stage, start func() (context.Context, trace.Span)) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.terminated {
		return
	}
	ctx, span := start()
	oc.advance(stage, ctx, span)
}

// MarkParse transitions into the MessageCodec decode stage.
func (oc *ObservabilityContext) MarkParse(cameraID string) {
	oc.markStage(StageParse, func() (context.Context, trace.Span) {
		return oc.tracer.StartParseSpan(oc.rootCtx, cameraID)
	})
}

// MarkBuffer transitions into the TimeChunkBuffer.Add stage.
func (oc *ObservabilityContext) MarkBuffer() {
	oc.markStage(StageBuffer, func() (context.Context, trace.Span) {
		return oc.tracer.StartBufferSpan(oc.rootCtx, oc.sceneID, oc.category)
	})
}

// MarkDispatch transitions into the Scheduler's enqueue-onto-worker-queue stage.
func (oc *ObservabilityContext) MarkDispatch() {
	oc.markStage(StageDispatch, func() (context.Context, trace.Span) {
		return oc.tracer.StartDispatchSpan(oc.rootCtx, oc.sceneID, oc.category)
	})
}

// MarkTrack transitions into the Worker's TrackingEngine.Track call.
func (oc *ObservabilityContext) MarkTrack() {
	oc.markStage(StageTrack, func() (context.Context, trace.Span) {
		return oc.tracer.StartTrackSpan(oc.rootCtx, oc.sceneID, oc.category)
	})
}

// MarkPublish transitions into the Publisher's BrokerClient.Publish call.
func (oc *ObservabilityContext) MarkPublish(topic string) {
	oc.markStage(StagePublish, func() (context.Context, trace.Span) {
		return oc.tracer.StartPublishSpan(oc.rootCtx, topic)
	})
}

// CurrentStage reports the stage active when a drop is detected, so the
// caller can decide whether to log more context before calling Abort.
func (oc *ObservabilityContext) CurrentStage() Stage {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.currentStage
}

// TraceHeaders returns the W3C trace-context carrier for this batch, for
// stamping onto an outbound publish (spec §6's "continued context").
func (oc *ObservabilityContext) TraceHeaders() map[string]string {
	headers := make(map[string]string, 2)
	oc.tracer.InjectTraceContext(oc.rootCtx, headers)
	return headers
}

// Finalize ends the pipeline pass successfully. It is a no-op if the
// context was already terminated (Finalize or Abort already called).
func (oc *ObservabilityContext) Finalize() {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.terminated {
		return
	}
	oc.terminated = true

	receive, haveReceive := oc.stageTimestamps[StageReceive]
	publish, havePublish := oc.stageTimestamps[StagePublish]

	var latency time.Duration
	if haveReceive && havePublish {
		latency = publish.Sub(receive)
		oc.metrics.RecordPipelineLatency(oc.rootCtx, oc.sceneID, oc.category, latency)
	}
	oc.metrics.IncrementTrackSetsPublished(oc.rootCtx, oc.sceneID, oc.category)

	if oc.stageSpan != nil {
		oc.tracer.SetSpanSuccess(oc.stageSpan)
		oc.stageSpan.End()
	}
	oc.tracer.SetSpanSuccess(oc.rootSpan)
	oc.rootSpan.End()

	sc := oc.rootSpan.SpanContext()
	oc.logger.Info("pipeline finalized",
		"scene_id", oc.sceneID,
		"category", oc.category,
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
		"latency_ms", latency.Milliseconds(),
		"stage_deltas_ms", oc.stageDeltasMS(receive),
	)
}

// Abort ends the pipeline pass as a drop. reason must be one of the closed
// set of DropReason values. It is a no-op if the context was already
// terminated.
func (oc *ObservabilityContext) Abort(reason DropReason) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.terminated {
		return
	}
	oc.terminated = true

	oc.metrics.IncrementDropped(oc.rootCtx, oc.sceneID, oc.category, string(reason), string(oc.currentStage))

	err := fmt.Errorf("dropped: %s", reason)
	if oc.stageSpan != nil {
		oc.tracer.RecordError(oc.stageSpan, err)
		oc.stageSpan.End()
	}
	oc.tracer.RecordError(oc.rootSpan, err)
	oc.rootSpan.End()

	sc := oc.rootSpan.SpanContext()
	oc.logger.Warn("pipeline aborted",
		"scene_id", oc.sceneID,
		"category", oc.category,
		"reason", string(reason),
		"stage", string(oc.currentStage),
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}

// stageDeltasMS reports each recorded stage's offset from receive, in the
// fixed stage order, for the finalize log line.
func (oc *ObservabilityContext) stageDeltasMS(receive time.Time) map[string]int64 {
	deltas := make(map[string]int64, len(stageOrder))
	for _, stage := range stageOrder {
		if ts, ok := oc.stageTimestamps[stage]; ok {
			deltas[string(stage)] = ts.Sub(receive).Milliseconds()
		}
	}
	return deltas
}
