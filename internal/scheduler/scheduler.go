// Package scheduler drives the fixed-cadence dispatch loop that drains
// the TimeChunkBuffer and hands chunks to per-scope workers (spec §4.4).
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scenescape/tracker/internal/chunkbuffer"
	"github.com/scenescape/tracker/internal/codec"
	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/observability"
	"github.com/scenescape/tracker/internal/tracking"
)

// WorkerFactory lazily constructs a Worker (and its queue) for a Scope
// seen for the first time. Returning the send-only channel lets the
// Scheduler enqueue without depending on tracking.Worker's internals.
type WorkerFactory func(scope model.Scope) (queue chan<- model.Chunk, run func(context.Context))

// Scheduler ticks at a fixed interval, pops the buffer, and dispatches
// one Chunk per scope to that scope's worker. It is the sole owner of
// the worker registry: no lock is needed because only the scheduler
// goroutine ever reads or writes it (spec §5's "ingress never touches
// queue mutexes" extends symmetrically to the scheduler never sharing
// this map).
type Scheduler struct {
	interval time.Duration

	buffer        *chunkbuffer.TimeChunkBuffer
	workerFactory WorkerFactory

	logger *slog.Logger

	workers map[model.Scope]chan<- model.Chunk
	wg      sync.WaitGroup
}

func New(
	interval time.Duration,
	buffer *chunkbuffer.TimeChunkBuffer,
	workerFactory WorkerFactory,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		interval:      interval,
		buffer:        buffer,
		workerFactory: workerFactory,
		logger:        logger,
		workers:       make(map[model.Scope]chan<- model.Chunk),
	}
}

// Run ticks at the configured interval until ctx is canceled. On
// cancellation it performs one final pop+dispatch, then enqueues a
// sentinel chunk on every live worker's queue before returning, per the
// shutdown sequence in spec §4.4.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.dispatch(context.Background())
			s.sendSentinels()
			s.wg.Wait()
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	snapshot := s.buffer.PopAll()
	now := time.Now()

	for scope, cameras := range snapshot {
		queue := s.workerFor(ctx, scope)

		batches := make([]model.DetectionBatch, 0, len(cameras))
		for _, b := range cameras {
			batches = append(batches, b)
		}
		sort.Slice(batches, func(i, j int) bool { return batches[i].Timestamp.Before(batches[j].Timestamp) })

		for i := range batches {
			batches[i].ObsCtx.MarkDispatch()
		}

		chunk := model.Chunk{Scope: scope, ChunkTime: now, Batches: batches}

		select {
		case queue <- chunk:
		default:
			for _, b := range batches {
				b.ObsCtx.Abort(observability.ReasonTrackerBusy)
			}
		}
	}
}

// workerFor returns the queue for scope, lazily constructing the worker
// and its queue on first use.
func (s *Scheduler) workerFor(ctx context.Context, scope model.Scope) chan<- model.Chunk {
	if queue, ok := s.workers[scope]; ok {
		return queue
	}

	queue, run := s.workerFactory(scope)
	s.workers[scope] = queue

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx)
	}()

	s.logger.Info("created worker for scope", "scene_id", scope.SceneID, "category", scope.Category)
	return queue
}

// sendSentinels enqueues a sentinel chunk on every live worker's queue.
// Sentinels bypass the bounded-queue check: the send blocks, guaranteeing
// delivery, since every worker always drains its queue to exit.
func (s *Scheduler) sendSentinels() {
	for scope, queue := range s.workers {
		queue <- model.SentinelChunk()
		s.logger.Debug("sent shutdown sentinel to worker", "scene_id", scope.SceneID, "category", scope.Category)
	}
}

// NewWorkerFactory builds the WorkerFactory the Scheduler uses to
// lazily create a tracking.Worker (and its bounded queue) per scope,
// wiring in a fresh TrackingEngine from engineFactory.
func NewWorkerFactory(
	queueCapacity int,
	engineFactory tracking.EngineFactory,
	sceneName, thingType string,
	cameraParams tracking.CameraParamsProvider,
	msgCodec *codec.MessageCodec,
	publisher *tracking.Publisher,
	logger *slog.Logger,
) WorkerFactory {
	return func(scope model.Scope) (chan<- model.Chunk, func(context.Context)) {
		queue := make(chan model.Chunk, queueCapacity)
		engine := engineFactory(scope)
		worker := tracking.NewWorker(scope, engine, queue, sceneName, thingType, cameraParams, msgCodec, publisher, logger)
		return queue, worker.Run
	}
}
