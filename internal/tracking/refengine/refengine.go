// Package refengine supplies a minimal nearest-neighbor,
// constant-velocity TrackingEngine so the service is runnable end to end
// without a production tracker wired in behind the interface. It is
// grounded on the detection-buffering + persistence-counter shape of a
// vision-pipeline object tracker, with detection-to-track association
// done by greedy nearest-centroid matching rather than a full assignment
// solver, since per-scope detection counts here are small.
package refengine

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/tracking"
)

// reliableWindow is the number of most recent chunks a track's hit
// history is evaluated over.
const reliableWindow = 3

// reliableHits is the minimum number of hits within reliableWindow for a
// track to be considered reliable and published.
const reliableHits = 2

// maxAssociationDistance caps how far (in world units) an existing
// track may be from a new observation and still be associated with it;
// beyond this a new track is started instead.
const maxAssociationDistance = 1.5

type trackState struct {
	id       string
	category string

	translation [3]float64
	velocity    [3]float64
	size        [3]float64
	rotation    [4]float64

	// hits records, most-recent-first, whether the track was observed in
	// each of the last reliableWindow chunks.
	hits []bool
}

func (t *trackState) recordHit(observed bool) {
	t.hits = append([]bool{observed}, t.hits...)
	if len(t.hits) > reliableWindow {
		t.hits = t.hits[:reliableWindow]
	}
}

func (t *trackState) isReliable() bool {
	count := 0
	for _, h := range t.hits {
		if h {
			count++
		}
	}
	return count >= reliableHits
}

func (t *trackState) isDead() bool {
	if len(t.hits) < reliableWindow {
		return false
	}
	for _, h := range t.hits {
		if h {
			return false
		}
	}
	return true
}

// Engine is a stateful, scope-local TrackingEngine. It predicts each
// existing track forward by constant velocity, greedily associates new
// observations to the nearest predicted track within
// maxAssociationDistance, updates velocity from the resulting
// displacement, and starts a fresh track (with a new UUID) for any
// unassociated observation.
//
// Engine is not safe for concurrent use; the Worker that owns an
// instance never shares it with another goroutine.
type Engine struct {
	category string
	tracks   map[string]*trackState
	lastTick int64
}

// New constructs an Engine for scope. The scheduler calls this exactly
// once per Scope (spec §4.4), so every track this Engine ever creates
// belongs to scope.Category; that value is stamped onto each new
// trackState rather than threaded through per-detection observations.
func New(scope model.Scope) tracking.TrackingEngine {
	return &Engine{category: scope.Category, tracks: make(map[string]*trackState)}
}

func (e *Engine) Track(perCameraInputs []tracking.CameraInput, chunkTime time.Time) {
	dtSeconds := e.deltaSeconds(chunkTime.UnixNano())

	observations := e.project(perCameraInputs)
	matched := make(map[string]bool, len(e.tracks))

	for _, obs := range observations {
		id, ok := e.associate(obs, matched)
		if ok {
			t := e.tracks[id]
			e.update(t, obs, dtSeconds)
			t.recordHit(true)
			matched[id] = true
			continue
		}

		id = uuid.NewString()
		t := &trackState{
			id:          id,
			category:    e.category,
			translation: obs.center,
			size:        obs.size,
			rotation:    [4]float64{0, 0, 0, 1},
		}
		t.recordHit(true)
		e.tracks[id] = t
		matched[id] = true
	}

	for id, t := range e.tracks {
		if !matched[id] {
			e.predict(t, dtSeconds)
			t.recordHit(false)
		}
		if t.isDead() {
			delete(e.tracks, id)
		}
	}
}

func (e *Engine) ReliableTracks() []tracking.EngineTrack {
	out := make([]tracking.EngineTrack, 0, len(e.tracks))
	for _, t := range e.tracks {
		if !t.isReliable() {
			continue
		}
		out = append(out, tracking.EngineTrack{
			ID:          t.id,
			Category:    t.category,
			Translation: t.translation,
			Velocity:    t.velocity,
			Size:        t.size,
			Rotation:    t.rotation,
		})
	}
	return out
}

// ProjectPixelBBoxToWorld applies a pinhole/homography-style projection:
// the bounding box's bottom-center pixel is treated as the object's
// ground-contact point and mapped through the camera's extrinsic
// transform, scaled by the intrinsic focal length. params' zero value
// (no calibration registered for a camera) yields an identity mapping,
// which keeps the conversion step exercisable in tests without a real
// calibration source.
func (e *Engine) ProjectPixelBBoxToWorld(bbox model.BBox, params tracking.CameraParams) tracking.WorldRect {
	groundX := bbox.X + bbox.Width/2
	groundY := bbox.Y + bbox.Height

	focalX, focalY := params.Intrinsic[0], params.Intrinsic[4]
	if focalX == 0 {
		focalX = 1
	}
	if focalY == 0 {
		focalY = 1
	}

	worldX := groundX / focalX
	worldY := groundY / focalY

	if hasExtrinsic(params) {
		worldX, worldY = applyExtrinsic(params.Extrinsic, worldX, worldY)
	}

	return tracking.WorldRect{
		CenterX: worldX,
		CenterY: worldY,
		Width:   bbox.Width / focalX,
		Height:  bbox.Height / focalY,
	}
}

func hasExtrinsic(params tracking.CameraParams) bool {
	for _, v := range params.Extrinsic {
		if v != 0 {
			return true
		}
	}
	return false
}

// applyExtrinsic applies the rotation+translation block of a row-major
// 4x4 camera-to-world transform to a ground-plane point (z=0).
func applyExtrinsic(m [16]float64, x, y float64) (float64, float64) {
	worldX := m[0]*x + m[1]*y + m[3]
	worldY := m[4]*x + m[5]*y + m[7]
	return worldX, worldY
}

type observation struct {
	cameraID string
	center   [3]float64
	size     [3]float64
}

func (e *Engine) project(inputs []tracking.CameraInput) []observation {
	observations := make([]observation, 0)
	for _, in := range inputs {
		for _, det := range in.Detections {
			rect := e.ProjectPixelBBoxToWorld(det.BBoxPx, in.Params)
			observations = append(observations, observation{
				cameraID: in.CameraID,
				center:   [3]float64{rect.CenterX, rect.CenterY, 0},
				size:     [3]float64{rect.Width, rect.Height, 0},
			})
		}
	}
	return observations
}

// associate returns the id of the nearest not-yet-matched track within
// maxAssociationDistance of obs, or ok=false if none qualifies.
func (e *Engine) associate(obs observation, matched map[string]bool) (string, bool) {
	bestID := ""
	bestDist := math.MaxFloat64
	for id, t := range e.tracks {
		if matched[id] {
			continue
		}
		d := distance(t.translation, obs.center)
		if d < bestDist {
			bestDist = d
			bestID = id
		}
	}
	if bestID == "" || bestDist > maxAssociationDistance {
		return "", false
	}
	return bestID, true
}

func (e *Engine) update(t *trackState, obs observation, dtSeconds float64) {
	if dtSeconds > 0 {
		t.velocity = [3]float64{
			(obs.center[0] - t.translation[0]) / dtSeconds,
			(obs.center[1] - t.translation[1]) / dtSeconds,
			(obs.center[2] - t.translation[2]) / dtSeconds,
		}
	}
	t.translation = obs.center
	t.size = obs.size
}

// predict advances an unmatched track's position by its last known
// velocity, so the next association attempt compares against where the
// object is expected to be rather than where it last was seen.
func (e *Engine) predict(t *trackState, dtSeconds float64) {
	t.translation[0] += t.velocity[0] * dtSeconds
	t.translation[1] += t.velocity[1] * dtSeconds
	t.translation[2] += t.velocity[2] * dtSeconds
}

func (e *Engine) deltaSeconds(nowNanos int64) float64 {
	if e.lastTick == 0 {
		e.lastTick = nowNanos
		return 0
	}
	dt := float64(nowNanos-e.lastTick) / 1e9
	e.lastTick = nowNanos
	return dt
}

func distance(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
