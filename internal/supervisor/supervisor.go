// Package supervisor implements the top-level state machine
// (starting -> running -> draining -> stopped) that wires every other
// component together and owns the process lifetime (spec §4.8).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/scenescape/tracker/internal/broker"
	"github.com/scenescape/tracker/internal/chunkbuffer"
	"github.com/scenescape/tracker/internal/codec"
	"github.com/scenescape/tracker/internal/config"
	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/observability"
	"github.com/scenescape/tracker/internal/scheduler"
	"github.com/scenescape/tracker/internal/tracking"
	"github.com/scenescape/tracker/internal/tracking/refengine"
)

// State names the Supervisor's position in its lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// readinessPollInterval governs how often the Supervisor samples the
// broker's connected+subscribed state while running, flipping the
// health server's readiness flag to track it (spec §4.8).
const readinessPollInterval = 250 * time.Millisecond

// Supervisor owns startup, steady-state readiness tracking, and
// shutdown orchestration for the whole service.
type Supervisor struct {
	cfg *config.AppConfig

	obs     *observability.Observability
	health  *observability.HealthServer
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager

	brokerClient *broker.Client
	msgCodec     *codec.MessageCodec
	scheduler    *scheduler.Scheduler
	buffer       *chunkbuffer.TimeChunkBuffer

	logger *slog.Logger
	state  State
}

// New constructs a Supervisor and every component it owns, but performs
// no I/O; call Run to start the service.
func New(cfg *config.AppConfig) (*Supervisor, error) {
	obs, err := observability.NewObservability(observability.DefaultConfig(cfg, cfg.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	tracer := observability.NewTraceManager(cfg.ServiceName)
	metrics, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	health := observability.NewHealthServer(cfg.HealthcheckPort, cfg.ServiceName, cfg.ServiceVersion)

	brokerClient := broker.NewClient(cfg, obs.Logger, metrics)
	msgCodec := codec.NewMessageCodec(cfg.SceneID, cfg.SchemaValidation, tracer, metrics, obs.Logger)
	publisher := tracking.NewPublisher(msgCodec, brokerClient)
	buffer := chunkbuffer.NewTimeChunkBuffer(cfg.MaxLag())

	workerFactory := scheduler.NewWorkerFactory(
		cfg.WorkerQueueCapacity,
		refengine.New,
		cfg.SceneName,
		cfg.ThingType,
		nil, // no calibration source wired in; refengine falls back to identity projection
		msgCodec,
		publisher,
		obs.Logger,
	)
	sched := scheduler.New(cfg.ChunkInterval(), buffer, workerFactory, obs.Logger)

	return &Supervisor{
		cfg:          cfg,
		obs:          obs,
		health:       health,
		tracer:       tracer,
		metrics:      metrics,
		brokerClient: brokerClient,
		msgCodec:     msgCodec,
		scheduler:    sched,
		buffer:       buffer,
		logger:       obs.Logger,
		state:        StateStarting,
	}, nil
}

// Run executes the full lifecycle: starting, running, draining, stopped.
// It blocks until ctx is canceled (typically by a signal handler) and
// returns the exit code the caller should pass to os.Exit.
func (s *Supervisor) Run(ctx context.Context) int {
	s.logger.Info("tracker starting", "scene_id", s.cfg.SceneID, "chunk_interval", s.cfg.ChunkInterval())

	go func() {
		if err := s.health.Start(context.Background()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("healthcheck server exited unexpectedly", "error", err)
		}
	}()

	s.brokerClient.Connect(ctx)
	if err := s.brokerClient.Subscribe(codec.InboundTopicPrefix+"+", s.onMessage); err != nil {
		s.logger.Error("failed to register inbound subscription", "error", err)
		return 1
	}

	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	schedulerDone := make(chan struct{})
	go func() {
		s.scheduler.Run(schedulerCtx)
		close(schedulerDone)
	}()

	metricsTickCtx, cancelMetricsTick := context.WithCancel(context.Background())
	metricsTick := observability.NewMetricsTicker(metricsTickCtx, s.metrics, s.logger)
	metricsTick.Start()

	s.state = StateRunning
	s.runReadinessLoop(ctx)

	s.state = StateDraining
	s.logger.Info("tracker draining")
	s.health.SetReady(false)
	cancelMetricsTick()
	cancelScheduler()

	select {
	case <-schedulerDone:
	case <-time.After(s.cfg.DrainTimeout()):
		s.logger.Warn("shutdown_timeout: workers did not finish draining within the grace period",
			"drain_timeout", s.cfg.DrainTimeout())
	}

	s.state = StateStopped
	s.brokerClient.Disconnect(s.cfg.DrainTimeout())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := s.health.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("health server shutdown error", "error", err)
	}
	if err := s.obs.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("observability shutdown error", "error", err)
	}

	s.logger.Info("tracker stopped")
	return 0
}

// runReadinessLoop samples broker connectivity until ctx is canceled,
// flipping the health server's readiness flag to track
// connected && subscribed, independent of liveness (spec §4.8).
func (s *Supervisor) runReadinessLoop(ctx context.Context) {
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	wasReady := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready := s.brokerClient.IsConnected() && s.brokerClient.IsSubscribed()
			if ready != wasReady {
				s.health.SetReady(ready)
				wasReady = ready
				if ready {
					s.logger.Info("broker connected and subscribed, now ready")
				} else {
					s.logger.Warn("broker disconnected, no longer ready")
				}
			}
		}
	}
}

// onMessage is the ingress callback invoked on the broker library's
// own goroutine pool for every inbound message. It only decodes and
// buffers; tracking work happens later on a worker goroutine (spec §5).
func (s *Supervisor) onMessage(topic string, payload []byte) {
	now := time.Now()
	batches, reason, err := s.msgCodec.Decode(topic, payload, now)
	if err != nil {
		// No per-category ObservabilityContext exists yet at this point
		// (Decode failed before categories were known), so the drop is
		// attributed on a standalone context constructed just for this
		// abort, keeping every drop path routed through abort/finalize.
		obsCtx := observability.NewObservabilityContext(context.Background(), s.tracer, s.metrics, s.logger, s.cfg.SceneID, "", topic, "", "")
		obsCtx.Abort(reason)
		s.logger.Warn("failed to decode inbound message", "topic", topic, "reason", reason, "error", err)
		return
	}
	for _, batch := range batches {
		scope := model.Scope{SceneID: s.cfg.SceneID, Category: batch.Category}
		s.buffer.Add(scope, batch, now)
	}
}
