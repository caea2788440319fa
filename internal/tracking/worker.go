package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/scenescape/tracker/internal/codec"
	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/observability"
)

// CameraParamsProvider resolves a camera's calibration for projection.
// Calibration management itself is out of scope (spec.md Non-goals); a
// nil provider (or one that returns the zero value) makes
// ProjectPixelBBoxToWorld a pass-through identity projection, which is
// enough to exercise the conversion step end to end without a real
// calibration source.
type CameraParamsProvider func(cameraID string) CameraParams

// Worker drains a single Scope's bounded chunk queue sequentially: one
// chunk fully tracked and published before the next is dequeued (spec
// §4.5). It owns no lock; the Scheduler is the only other goroutine that
// touches its queue, and only ever sends to it.
type Worker struct {
	scope  model.Scope
	engine TrackingEngine
	queue  <-chan model.Chunk

	sceneName, thingType string
	cameraParams         CameraParamsProvider

	codec     *codec.MessageCodec
	publisher *Publisher
	logger    *slog.Logger
}

func NewWorker(
	scope model.Scope,
	engine TrackingEngine,
	queue <-chan model.Chunk,
	sceneName, thingType string,
	cameraParams CameraParamsProvider,
	msgCodec *codec.MessageCodec,
	publisher *Publisher,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		scope:        scope,
		engine:       engine,
		queue:        queue,
		sceneName:    sceneName,
		thingType:    thingType,
		cameraParams: cameraParams,
		codec:        msgCodec,
		publisher:    publisher,
		logger:       logger.With("scene_id", scope.SceneID, "category", scope.Category),
	}
}

// Run processes chunks until it dequeues a sentinel chunk (model.Chunk's
// zero-value Scope), which signals shutdown. The sentinel is never
// tracked or published, only consumed.
func (w *Worker) Run(ctx context.Context) {
	for chunk := range w.queue {
		if chunk.IsSentinel() {
			return
		}
		w.process(ctx, chunk)
	}
}

func (w *Worker) process(ctx context.Context, chunk model.Chunk) {
	inputs, earliestWallClock, obsCtxs := w.flatten(chunk)
	for _, oc := range obsCtxs {
		oc.MarkTrack()
	}

	w.engine.Track(inputs, chunk.ChunkTime)
	reliable := w.engine.ReliableTracks()

	ts := model.TrackSet{
		SceneID:   w.scope.SceneID,
		SceneName: w.sceneName,
		ThingType: w.thingType,
		Timestamp: earliestWallClock,
		Tracks:    make([]model.Track, 0, len(reliable)),
	}
	for _, t := range reliable {
		ts.Tracks = append(ts.Tracks, model.Track{
			ID:          t.ID,
			Category:    w.scope.Category,
			Translation: t.Translation,
			Velocity:    t.Velocity,
			Size:        t.Size,
			Rotation:    t.Rotation,
		})
	}

	topic := codec.OutboundTopic(w.scope.SceneID, w.thingType)
	var headers map[string]string
	if len(obsCtxs) > 0 {
		headers = obsCtxs[0].TraceHeaders()
	}

	if err := w.publisher.Publish(ctx, topic, ts, headers); err != nil {
		w.logger.Warn("failed to publish track set", "topic", topic, "error", err)
		for _, oc := range obsCtxs {
			oc.Abort(observability.ReasonBrokerUnavailable)
		}
		return
	}
	for _, oc := range obsCtxs {
		oc.MarkPublish(topic)
		oc.Finalize()
	}
}

// flatten converts every batch in the chunk into the engine's per-camera
// input format, preserving the chunk's existing sort order (by
// Timestamp, per model.Chunk's own contract), and returns the
// wall-clock timestamp of the earliest batch for echo back on the
// outbound TrackSet (spec §4.5 step 4, §4.6).
func (w *Worker) flatten(chunk model.Chunk) ([]CameraInput, string, []*observability.ObservabilityContext) {
	batches := chunk.Batches

	inputs := make([]CameraInput, 0, len(batches))
	obsCtxs := make([]*observability.ObservabilityContext, 0, len(batches))
	var earliest time.Time
	earliestWallClock := ""

	for i, b := range batches {
		var params CameraParams
		if w.cameraParams != nil {
			params = w.cameraParams(b.CameraID)
		}
		inputs = append(inputs, CameraInput{
			CameraID:   b.CameraID,
			Detections: b.Detections,
			Params:     params,
		})
		if b.ObsCtx != nil {
			obsCtxs = append(obsCtxs, b.ObsCtx)
		}
		if i == 0 || b.Timestamp.Before(earliest) {
			earliest = b.Timestamp
			earliestWallClock = b.WallClockTimestamp
		}
	}

	return inputs, earliestWallClock, obsCtxs
}
