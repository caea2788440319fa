// Package observability provides the tracking service's distributed
// tracing, metrics collection, structured logging, and health check
// infrastructure.
//
// # Overview
//
// The observability package implements OpenTelemetry-based observability
// with:
//   - Distributed tracing (OpenTelemetry → OTLP gRPC, e.g. to Jaeger)
//   - Metrics collection (Prometheus)
//   - Structured logging (log/slog), always mirrored to stdout as JSON
//   - Liveness/readiness HTTP endpoints
//   - Per-DetectionBatch telemetry correlation (ObservabilityContext)
//   - Graceful shutdown with trace flushing
//
// # Quick Start
//
//	cfg := observability.DefaultConfig(appConfig, "tracker")
//	obs, err := observability.NewObservability(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer obs.Shutdown(context.Background())
//
//	logger := obs.Logger
//	tracer := obs.Tracer
//	meter := obs.Meter
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│   Broker / Codec / Buffer / Scheduler /      │
//	│   Worker / Publisher / Supervisor            │
//	├─────────────────────────────────────────────┤
//	│   ObservabilityContext                       │
//	│   - one per DetectionBatch                  │
//	│   - stage timestamps + span tree             │
//	│   - Finalize() / Abort(reason), exactly once │
//	├─────────────────────────────────────────────┤
//	│   TraceManager          MetricsManager       │
//	│   - stage span helpers  - pipeline latency   │
//	│   - context propagation - drop counter       │
//	│                          - broker counters   │
//	├─────────────────────────────────────────────┤
//	│   Logger (slog)         HealthServer         │
//	│   - ObservabilityHandler - /healthz /readyz   │
//	│   - always-on stdout JSON - /metrics          │
//	├─────────────────────────────────────────────┤
//	│   OpenTelemetry SDK                          │
//	│   - OTLP trace exporter                      │
//	│   - Prometheus metrics exporter              │
//	└─────────────────────────────────────────────┘
//
// # ObservabilityContext
//
// Every DetectionBatch that enters the pipeline owns exactly one
// ObservabilityContext, created by the codec at decode time and threaded
// through buffer, dispatch, track, and publish:
//
//	obsCtx := observability.NewObservabilityContext(ctx, tracer, metrics, logger,
//	    sceneID, category, topic, traceparent, tracestate)
//	obsCtx.MarkParse(cameraID)
//	obsCtx.MarkBuffer()
//	...
//	obsCtx.Finalize()   // success path
//	obsCtx.Abort(observability.ReasonFellBehind)  // drop path
//
// Finalize and Abort are mutually exclusive and idempotent: whichever is
// called first wins, and the other becomes a no-op. Every recoverable drop
// in every component must route through Abort with one of the closed-set
// DropReason values — there is no other way to emit a drop metric.
//
// # Metrics
//
// MetricsManager exposes:
//   - tracker_pipeline_latency_seconds: histogram, labels scene/category
//   - tracker_detections_dropped_total: counter, labels scene/category/reason/stage
//   - tracker_track_sets_published_total: counter, labels scene/category
//   - tracker_broker_publish_duration_seconds, tracker_broker_reconnects_total,
//     tracker_broker_connection_errors_total
//   - go_goroutines, go_memstats_alloc_bytes, process_resident_memory_bytes
//     (refreshed periodically by MetricsTicker)
//
// All metrics are exposed on the configured healthcheck port's /metrics path.
//
// # Health Checks
//
//	healthServer := observability.NewHealthServer(port, serviceName, version)
//	healthServer.AddChecker("self", observability.NewBasicHealthChecker("self", func(ctx context.Context) error {
//	    return nil
//	}))
//	healthServer.SetReady(false) // flips true once the Supervisor connects+subscribes
//	go healthServer.Start(ctx)
//
// /healthz reports liveness (true for the life of the process unless a fatal
// error occurs); /readyz reports readiness (broker connected and subscribed).
// They are independent: the process can be alive and not-ready.
//
// # Graceful Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := obs.Shutdown(ctx); err != nil {
//	    log.Printf("observability shutdown error: %v", err)
//	}
package observability
