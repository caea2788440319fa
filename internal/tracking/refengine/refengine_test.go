package refengine

import (
	"testing"
	"time"

	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/tracking"
)

func detectionAt(x, y, w, h float64) model.Detection {
	return model.Detection{BBoxPx: model.BBox{X: x, Y: y, Width: w, Height: h}}
}

func TestTrack_NewObservationStartsUnreliableTrack(t *testing.T) {
	e := New(model.Scope{SceneID: "scene1", Category: "person"}).(*Engine)

	e.Track([]tracking.CameraInput{
		{CameraID: "cam1", Detections: []model.Detection{detectionAt(0, 0, 1, 1)}},
	}, time.Unix(0, 0))

	if len(e.tracks) != 1 {
		t.Fatalf("expected 1 track after first observation, got %d", len(e.tracks))
	}
	if got := e.ReliableTracks(); len(got) != 0 {
		t.Fatalf("expected 0 reliable tracks after a single hit, got %d", len(got))
	}
}

func TestTrack_RepeatedObservationBecomesReliable(t *testing.T) {
	e := New(model.Scope{SceneID: "scene1", Category: "person"}).(*Engine)

	base := time.Unix(0, 0)
	for i := 0; i < 2; i++ {
		e.Track([]tracking.CameraInput{
			{CameraID: "cam1", Detections: []model.Detection{detectionAt(0, 0, 1, 1)}},
		}, base.Add(time.Duration(i)*100*time.Millisecond))
	}

	reliable := e.ReliableTracks()
	if len(reliable) != 1 {
		t.Fatalf("expected 1 reliable track after 2 consecutive hits, got %d", len(reliable))
	}
}

func TestTrack_AssociatesNearbyObservationToExistingTrack(t *testing.T) {
	e := New(model.Scope{SceneID: "scene1", Category: "person"}).(*Engine)

	base := time.Unix(0, 0)
	e.Track([]tracking.CameraInput{
		{CameraID: "cam1", Detections: []model.Detection{detectionAt(0, 0, 1, 1)}},
	}, base)
	e.Track([]tracking.CameraInput{
		{CameraID: "cam1", Detections: []model.Detection{detectionAt(1, 0, 1, 1)}},
	}, base.Add(100*time.Millisecond))

	if len(e.tracks) != 1 {
		t.Fatalf("expected nearby observation to associate with the existing track, got %d tracks", len(e.tracks))
	}
}

func TestTrack_FarObservationStartsNewTrack(t *testing.T) {
	e := New(model.Scope{SceneID: "scene1", Category: "person"}).(*Engine)

	base := time.Unix(0, 0)
	e.Track([]tracking.CameraInput{
		{CameraID: "cam1", Detections: []model.Detection{detectionAt(0, 0, 1, 1)}},
	}, base)
	e.Track([]tracking.CameraInput{
		{CameraID: "cam1", Detections: []model.Detection{detectionAt(1000, 1000, 1, 1)}},
	}, base.Add(100*time.Millisecond))

	if len(e.tracks) != 2 {
		t.Fatalf("expected a far observation to start a new track, got %d tracks", len(e.tracks))
	}
}

func TestTrack_ReliableTracksCarryEngineScopeCategory(t *testing.T) {
	e := New(model.Scope{SceneID: "scene1", Category: "vehicle"}).(*Engine)

	base := time.Unix(0, 0)
	for i := 0; i < 2; i++ {
		e.Track([]tracking.CameraInput{
			{CameraID: "cam1", Detections: []model.Detection{detectionAt(0, 0, 1, 1)}},
		}, base.Add(time.Duration(i)*100*time.Millisecond))
	}

	reliable := e.ReliableTracks()
	if len(reliable) != 1 {
		t.Fatalf("expected 1 reliable track, got %d", len(reliable))
	}
	if reliable[0].Category != "vehicle" {
		t.Fatalf("expected track category to be the engine's scope category, got %q", reliable[0].Category)
	}
}

func TestProjectPixelBBoxToWorld_IdentityWithZeroCameraParams(t *testing.T) {
	e := &Engine{}
	rect := e.ProjectPixelBBoxToWorld(model.BBox{X: 10, Y: 20, Width: 4, Height: 6}, tracking.CameraParams{})

	if rect.CenterX != 12 || rect.CenterY != 26 {
		t.Fatalf("unexpected identity projection: %+v", rect)
	}
}
