// Package model defines the in-memory data types that flow through the
// tracking pipeline: Detection, DetectionBatch, Scope, Chunk, Track, and
// TrackSet.
package model

import (
	"time"

	"github.com/scenescape/tracker/internal/observability"
)

// BBox is a pixel-space bounding box, carried as IEEE 754 doubles with no
// rounding at the codec boundary.
type BBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Detection is one object observation from inference, in pixel coordinates.
type Detection struct {
	// DetectionID is optional and frame-local only; it carries no
	// cross-frame meaning and must not be used as a tracking identity.
	DetectionID *int
	BBoxPx      BBox
}

// DetectionBatch holds all detections from a single camera's single frame,
// for a single object category.
type DetectionBatch struct {
	CameraID string

	// Timestamp is the monotonic receive time, used for chunking and lag
	// checks. WallClockTimestamp is the upstream payload's own timestamp,
	// preserved verbatim and echoed into the output.
	Timestamp          time.Time
	WallClockTimestamp string

	// Category is the object category this batch was routed under
	// (one of possibly several categories present in the same wire message).
	Category string

	// Detections preserves arrival order; it is never re-sorted.
	Detections []Detection

	ObsCtx *observability.ObservabilityContext
}

// Scope is the routing key (scene_id, category): the unit of tracker
// isolation. scene_id is currently fixed by the service (single-scene
// deployment) but the model supports multiple scenes.
type Scope struct {
	SceneID  string
	Category string
}

// IsSentinel reports whether this scope denotes an in-band shutdown signal
// rather than a real scene+category pair.
func (s Scope) IsSentinel() bool {
	return s.SceneID == ""
}

// SentinelScope is the scope used to construct a sentinel Chunk.
var SentinelScope = Scope{}

// Chunk is the dispatch unit produced by the Scheduler: one Scope plus an
// ordered, timestamp-sorted list of DetectionBatch.
type Chunk struct {
	Scope     Scope
	ChunkTime time.Time

	// Batches is sorted ascending by Timestamp. A Chunk with empty Batches
	// must not be dispatched (the reference policy never emits empty
	// predict-only chunks).
	Batches []DetectionBatch
}

// IsSentinel reports whether this chunk is an in-band shutdown signal.
func (c Chunk) IsSentinel() bool {
	return c.Scope.IsSentinel()
}

// SentinelChunk builds the chunk a Scheduler enqueues on every live worker's
// queue during shutdown.
func SentinelChunk() Chunk {
	return Chunk{Scope: SentinelScope}
}

// Track is one output object in world coordinates, assigned and maintained
// by the TrackingEngine across frames.
type Track struct {
	ID       string
	Category string

	Translation [3]float64 // x, y, z meters
	Velocity    [3]float64 // vx, vy, vz m/s
	Size        [3]float64 // length, width, height meters

	// Rotation is a unit quaternion [x, y, z, w], scalar-last.
	Rotation [4]float64
}

// TrackSet is the published unit: the scene's tracks for one dispatch tick.
type TrackSet struct {
	SceneID   string
	SceneName string
	ThingType string

	// Timestamp is echoed from the earliest batch in the chunk that
	// produced this TrackSet.
	Timestamp string

	Tracks []Track
}
