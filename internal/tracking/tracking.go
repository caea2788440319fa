// Package tracking defines the TrackingEngine boundary and the per-scope
// Worker that drives it (spec §4.5/§4.6).
package tracking

import (
	"time"

	"github.com/scenescape/tracker/internal/model"
)

// CameraParams describes the calibration of a single camera, enough for
// a TrackingEngine to project a pixel-space bounding box into world
// coordinates (spec §6's "camera intrinsics/extrinsics").
type CameraParams struct {
	CameraID string

	// Intrinsic is the 3x3 row-major camera intrinsic matrix.
	Intrinsic [9]float64

	// Extrinsic is the 4x4 row-major camera-to-world homogeneous transform.
	Extrinsic [16]float64
}

// WorldRect is an axis-aligned footprint in scene world coordinates,
// the output of a pixel-to-world bounding box projection.
type WorldRect struct {
	CenterX, CenterY float64
	Width, Height    float64
}

// CameraInput is one camera's detections for a single chunk, the unit
// TrackingEngine.Track consumes per camera.
type CameraInput struct {
	CameraID   string
	Detections []model.Detection
	Params     CameraParams
}

// EngineTrack is a TrackingEngine's internal notion of a tracked object,
// not yet converted into the wire model.Track shape.
type EngineTrack struct {
	ID          string
	Category    string
	Translation [3]float64
	Velocity    [3]float64
	Size        [3]float64
	Rotation    [4]float64
}

// TrackingEngine is the CPU-bound multi-object tracking boundary (spec
// §6). Implementations must perform no network I/O and no blocking calls
// in Track, ReliableTracks, or ProjectPixelBBoxToWorld: the Worker calls
// these synchronously on its own goroutine once per chunk, and a blocking
// call here would stall that scope's entire pipeline.
type TrackingEngine interface {
	// Track advances the engine's internal state by one chunk using the
	// per-camera detections observed at chunkTime.
	Track(perCameraInputs []CameraInput, chunkTime time.Time)

	// ReliableTracks returns the subset of currently tracked objects that
	// meet the engine's reliability criterion for publication.
	ReliableTracks() []EngineTrack

	// ProjectPixelBBoxToWorld maps a pixel-space bounding box observed by
	// the given camera into a world-space footprint.
	ProjectPixelBBoxToWorld(bbox model.BBox, params CameraParams) WorldRect
}

// EngineFactory lazily constructs a TrackingEngine for a newly observed
// Scope. The Scheduler calls this exactly once per Scope, on the
// scheduler goroutine, the first time that Scope appears in a popped
// chunk batch (spec §4.4's lazy worker creation).
type EngineFactory func(scope model.Scope) TrackingEngine
