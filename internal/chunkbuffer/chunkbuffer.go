// Package chunkbuffer implements the thread-safe, keep-latest aggregation
// buffer the Scheduler drains on every tick (spec §4.3).
package chunkbuffer

import (
	"sync"
	"time"

	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/observability"
)

// TimeChunkBuffer maps (scope, camera_id) to the most recently seen
// DetectionBatch. Add replaces any existing entry for the same key,
// aborting the superseded batch's ObservabilityContext. All mutating
// operations take a single internal mutex; the critical section is only
// the map insert/swap, never parsing, publishing, or tracking work.
type TimeChunkBuffer struct {
	maxLag time.Duration

	mu      sync.Mutex
	entries map[model.Scope]map[string]model.DetectionBatch
}

func NewTimeChunkBuffer(maxLag time.Duration) *TimeChunkBuffer {
	return &TimeChunkBuffer{
		maxLag:  maxLag,
		entries: make(map[model.Scope]map[string]model.DetectionBatch),
	}
}

// Add inserts batch under (scope, batch.CameraID). now is the ingest-time
// clock reading used for the lag check, so lag is measured relative to
// ingest time, not scheduler tick time.
//
// If now.Sub(batch.Timestamp) is at least the configured max lag, the
// batch is dropped with ReasonFellBehind and never enters the map (a lag
// exactly equal to max_lag is dropped, strictly less is kept). If an entry
// already exists for the key, it is replaced and the superseded entry's
// ObservabilityContext is aborted with ReasonSuperseded.
func (b *TimeChunkBuffer) Add(scope model.Scope, batch model.DetectionBatch, now time.Time) {
	batch.ObsCtx.MarkBuffer()

	if lag := now.Sub(batch.Timestamp); lag >= b.maxLag {
		batch.ObsCtx.Abort(observability.ReasonFellBehind)
		return
	}

	b.mu.Lock()
	cameras, ok := b.entries[scope]
	if !ok {
		cameras = make(map[string]model.DetectionBatch)
		b.entries[scope] = cameras
	}
	previous, hadPrevious := cameras[batch.CameraID]
	cameras[batch.CameraID] = batch
	b.mu.Unlock()

	if hadPrevious {
		previous.ObsCtx.Abort(observability.ReasonSuperseded)
	}
}

// PopAll atomically swaps the internal map with a fresh empty one and
// returns the previous contents. Called once per Scheduler tick.
func (b *TimeChunkBuffer) PopAll() map[model.Scope]map[string]model.DetectionBatch {
	b.mu.Lock()
	snapshot := b.entries
	b.entries = make(map[model.Scope]map[string]model.DetectionBatch)
	b.mu.Unlock()
	return snapshot
}
