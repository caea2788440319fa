package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/scenescape/tracker/internal/codec"
	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/observability"
)

var errPublishFailed = errors.New("broker unavailable")

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics(t *testing.T) *observability.MetricsManager {
	t.Helper()
	metrics, err := observability.NewMetricsManager(otel.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsManager: %v", err)
	}
	return metrics
}

func newTestBatch(t *testing.T, tm *observability.TraceManager, metrics *observability.MetricsManager, cameraID string, ts time.Time) model.DetectionBatch {
	t.Helper()
	obsCtx := observability.NewObservabilityContext(context.Background(), tm, metrics, newTestLogger(), "scene1", "person", "scenescape/data/camera/"+cameraID, "", "")
	return model.DetectionBatch{
		CameraID:           cameraID,
		Timestamp:          ts,
		WallClockTimestamp: "2025-01-01T00:00:00.000Z",
		Category:           "person",
		Detections:         []model.Detection{{BBoxPx: model.BBox{X: 1, Y: 2, Width: 3, Height: 4}}},
		ObsCtx:             obsCtx,
	}
}

// fakeEngine is a scripted TrackingEngine: it always reports the same
// ReliableTracks regardless of Track's input, so tests can assert on
// Worker's surrounding behavior in isolation.
type fakeEngine struct {
	tracked int
	out     []EngineTrack
}

func (e *fakeEngine) Track(perCameraInputs []CameraInput, chunkTime time.Time) { e.tracked++ }
func (e *fakeEngine) ReliableTracks() []EngineTrack                            { return e.out }
func (e *fakeEngine) ProjectPixelBBoxToWorld(bbox model.BBox, params CameraParams) WorldRect {
	return WorldRect{}
}

// fakeBroker is a brokerPublisher test double that records every publish
// attempt and can be scripted to fail.
type fakeBroker struct {
	fail      bool
	published [][]byte
}

func (b *fakeBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.fail {
		return errPublishFailed
	}
	b.published = append(b.published, payload)
	return nil
}

func newTestWorker(t *testing.T, engine TrackingEngine, fb *fakeBroker, queue chan model.Chunk) (*Worker, *observability.MetricsManager) {
	t.Helper()
	tm := observability.NewTraceManager("test")
	metrics := newTestMetrics(t)
	msgCodec := codec.NewMessageCodec("scene1", false, tm, metrics, newTestLogger())
	publisher := NewPublisher(msgCodec, fb)
	scope := model.Scope{SceneID: "scene1", Category: "person"}
	worker := NewWorker(scope, engine, queue, "Scene One", "person", nil, msgCodec, publisher, newTestLogger())
	return worker, metrics
}

func TestProcess_HappyPathFinalizesAndPublishesOnce(t *testing.T) {
	tm := observability.NewTraceManager("test")
	metrics := newTestMetrics(t)
	fb := &fakeBroker{}
	queue := make(chan model.Chunk, 1)
	worker, _ := newTestWorker(t, &fakeEngine{out: []EngineTrack{{ID: "t1", Category: "ignored-by-worker"}}}, fb, queue)

	now := time.Now()
	batch := newTestBatch(t, tm, metrics, "cam1", now)
	chunk := model.Chunk{Scope: worker.scope, ChunkTime: now, Batches: []model.DetectionBatch{batch}}

	worker.process(context.Background(), chunk)

	if len(fb.published) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(fb.published))
	}

	// Finalize already ran inside process; a second call must be a no-op
	// (the single-emission invariant), provable by nothing panicking and
	// no further drop being recorded.
	batch.ObsCtx.Abort(observability.ReasonShutdown)
	if top := metrics.TopDropReasons(5); len(top) != 0 {
		t.Fatalf("expected no drop recorded after an already-finalized context's Abort, got %+v", top)
	}
}

func TestProcess_PublishFailureAbortsWithBrokerUnavailable(t *testing.T) {
	tm := observability.NewTraceManager("test")
	metrics := newTestMetrics(t)
	fb := &fakeBroker{fail: true}
	queue := make(chan model.Chunk, 1)
	worker, _ := newTestWorker(t, &fakeEngine{}, fb, queue)

	now := time.Now()
	batch := newTestBatch(t, tm, metrics, "cam1", now)
	chunk := model.Chunk{Scope: worker.scope, ChunkTime: now, Batches: []model.DetectionBatch{batch}}

	worker.process(context.Background(), chunk)

	top := metrics.TopDropReasons(5)
	if len(top) != 1 || top[0].Reason != string(observability.ReasonBrokerUnavailable) || top[0].Count != 1 {
		t.Fatalf("expected exactly one broker_unavailable drop, got %+v", top)
	}

	// The context was already aborted inside process; Finalize afterward
	// must be a no-op, provable by no publish count ever being reachable
	// (there is nothing further to assert on directly, but it must not panic).
	batch.ObsCtx.Finalize()
}

func TestProcess_CategoryOnPublishedTracksComesFromScopeNotEngine(t *testing.T) {
	tm := observability.NewTraceManager("test")
	metrics := newTestMetrics(t)
	fb := &fakeBroker{}
	queue := make(chan model.Chunk, 1)
	worker, _ := newTestWorker(t, &fakeEngine{out: []EngineTrack{{ID: "t1", Category: "engine-said-this"}}}, fb, queue)

	now := time.Now()
	batch := newTestBatch(t, tm, metrics, "cam1", now)
	chunk := model.Chunk{Scope: worker.scope, ChunkTime: now, Batches: []model.DetectionBatch{batch}}

	worker.process(context.Background(), chunk)

	if len(fb.published) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(fb.published))
	}
	if got := string(fb.published[0]); !strings.Contains(got, `"category":"person"`) {
		t.Fatalf("expected published category to come from scope.Category (%q), got payload %s", worker.scope.Category, got)
	}
}

func TestRun_ExitsOnSentinelWithoutProcessing(t *testing.T) {
	fb := &fakeBroker{}
	queue := make(chan model.Chunk, 1)
	worker, _ := newTestWorker(t, &fakeEngine{}, fb, queue)

	done := make(chan struct{})
	go func() {
		worker.Run(context.Background())
		close(done)
	}()

	queue <- model.SentinelChunk()
	close(queue)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after a sentinel chunk")
	}
	if len(fb.published) != 0 {
		t.Fatalf("expected no publish for a sentinel-only queue, got %d", len(fb.published))
	}
}
