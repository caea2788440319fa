package chunkbuffer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/observability"
)

func newTestObsCtx(t *testing.T, sceneID, category string) *observability.ObservabilityContext {
	t.Helper()
	tracer := observability.NewTraceManager("test")
	metrics, err := observability.NewMetricsManager(otel.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsManager: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return observability.NewObservabilityContext(context.Background(), tracer, metrics, logger, sceneID, category, "scenescape/data/camera/cam1", "", "")
}

func newBatch(t *testing.T, sceneID, category, cameraID string, ts time.Time) model.DetectionBatch {
	t.Helper()
	return model.DetectionBatch{
		CameraID:  cameraID,
		Timestamp: ts,
		Category:  category,
		ObsCtx:    newTestObsCtx(t, sceneID, category),
	}
}

func TestAdd_KeepLatestSupersedesPrior(t *testing.T) {
	buf := NewTimeChunkBuffer(time.Second)
	scope := model.Scope{SceneID: "scene1", Category: "person"}
	now := time.Now()

	first := newBatch(t, "scene1", "person", "cam1", now)
	second := newBatch(t, "scene1", "person", "cam1", now.Add(10*time.Millisecond))

	buf.Add(scope, first, now)
	buf.Add(scope, second, now.Add(10*time.Millisecond))

	snapshot := buf.PopAll()
	cameras, ok := snapshot[scope]
	if !ok {
		t.Fatalf("expected scope %v in snapshot", scope)
	}
	if len(cameras) != 1 {
		t.Fatalf("expected exactly one camera entry, got %d", len(cameras))
	}
	if cameras["cam1"].Timestamp != second.Timestamp {
		t.Fatalf("expected latest batch to survive, got timestamp %v", cameras["cam1"].Timestamp)
	}
}

func TestAdd_DropsWhenLagExceedsMax(t *testing.T) {
	buf := NewTimeChunkBuffer(100 * time.Millisecond)
	scope := model.Scope{SceneID: "scene1", Category: "person"}
	now := time.Now()

	stale := newBatch(t, "scene1", "person", "cam1", now.Add(-200*time.Millisecond))
	buf.Add(scope, stale, now)

	snapshot := buf.PopAll()
	if _, ok := snapshot[scope]; ok {
		t.Fatalf("expected no entry for scope after lag drop, got %v", snapshot[scope])
	}
}

func TestAdd_DropsWhenLagExactlyEqualsMax(t *testing.T) {
	buf := NewTimeChunkBuffer(100 * time.Millisecond)
	scope := model.Scope{SceneID: "scene1", Category: "person"}
	now := time.Now()

	exact := newBatch(t, "scene1", "person", "cam1", now.Add(-100*time.Millisecond))
	buf.Add(scope, exact, now)

	snapshot := buf.PopAll()
	if _, ok := snapshot[scope]; ok {
		t.Fatalf("expected lag exactly equal to max_lag to be dropped, got %v", snapshot[scope])
	}
}

func TestAdd_KeepsWhenLagJustUnderMax(t *testing.T) {
	buf := NewTimeChunkBuffer(100 * time.Millisecond)
	scope := model.Scope{SceneID: "scene1", Category: "person"}
	now := time.Now()

	justUnder := newBatch(t, "scene1", "person", "cam1", now.Add(-99*time.Millisecond))
	buf.Add(scope, justUnder, now)

	snapshot := buf.PopAll()
	if _, ok := snapshot[scope]; !ok {
		t.Fatalf("expected lag strictly less than max_lag to be kept")
	}
}

func TestPopAll_AtomicSwapReturnsEmptyAfterward(t *testing.T) {
	buf := NewTimeChunkBuffer(time.Second)
	scope := model.Scope{SceneID: "scene1", Category: "person"}
	now := time.Now()

	buf.Add(scope, newBatch(t, "scene1", "person", "cam1", now), now)

	first := buf.PopAll()
	if len(first) != 1 {
		t.Fatalf("expected one scope in first pop, got %d", len(first))
	}

	second := buf.PopAll()
	if len(second) != 0 {
		t.Fatalf("expected empty map on second pop, got %d entries", len(second))
	}
}

// TestConcurrentAdd hammers Add from many goroutines across a handful of
// scopes and cameras, then checks the keep-latest invariant holds: at most
// one entry per (scope, camera) survives regardless of interleaving. Run
// with -race.
func TestConcurrentAdd(t *testing.T) {
	buf := NewTimeChunkBuffer(time.Minute)
	scopes := []model.Scope{
		{SceneID: "scene1", Category: "person"},
		{SceneID: "scene1", Category: "vehicle"},
	}
	cameras := []string{"cam1", "cam2", "cam3"}

	var wg sync.WaitGroup
	now := time.Now()
	for i := 0; i < 50; i++ {
		for _, scope := range scopes {
			for _, cam := range cameras {
				wg.Add(1)
				go func(scope model.Scope, cam string, seq int) {
					defer wg.Done()
					batch := newBatch(t, scope.SceneID, scope.Category, cam, now.Add(time.Duration(seq)*time.Microsecond))
					buf.Add(scope, batch, now)
				}(scope, cam, i)
			}
		}
	}
	wg.Wait()

	snapshot := buf.PopAll()
	for _, scope := range scopes {
		cams, ok := snapshot[scope]
		if !ok {
			t.Fatalf("expected scope %v present after concurrent adds", scope)
		}
		if len(cams) != len(cameras) {
			t.Fatalf("expected %d camera entries for scope %v, got %d", len(cameras), scope, len(cams))
		}
	}
}
