package observability

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager owns every OTel instrument emitted by the tracking service.
// It is constructed once at startup and shared by every component that
// records a measurement.
type MetricsManager struct {
	meter metric.Meter

	// Pipeline metrics (per ObservabilityContext finalize/abort, spec.md §4.7)
	pipelineLatencySeconds metric.Float64Histogram
	detectionsDroppedTotal metric.Int64Counter
	trackSetsPublished     metric.Int64Counter

	// System metrics
	processResidentMemoryBytes metric.Int64UpDownCounter
	goGoroutines               metric.Int64UpDownCounter
	goMemstatsAllocBytes       metric.Int64UpDownCounter

	// Broker metrics
	brokerPublishDuration  metric.Float64Histogram
	brokerReconnectsTotal  metric.Int64Counter
	brokerConnectionErrors metric.Int64Counter

	// Scheduler/worker metrics
	chunkQueueDepth metric.Int64UpDownCounter

	// dropCounts mirrors detectionsDroppedTotal in process memory, by
	// reason only, so MetricsTicker can log a periodic top-reasons
	// summary without a Prometheus scrape configured.
	dropCountsMu sync.Mutex
	dropCounts   map[string]int64
}

// DropReasonCount is one entry of a top-drop-reasons summary.
type DropReasonCount struct {
	Reason string
	Count  int64
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter, dropCounts: make(map[string]int64)}

	var err error

	mm.pipelineLatencySeconds, err = meter.Float64Histogram(
		"tracker_pipeline_latency_seconds",
		metric.WithDescription("End-to-end latency from detection batch receive to track set publish"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.detectionsDroppedTotal, err = meter.Int64Counter(
		"tracker_detections_dropped_total",
		metric.WithDescription("Total detection batches dropped before publish, labeled by scene/category/reason/stage"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.trackSetsPublished, err = meter.Int64Counter(
		"tracker_track_sets_published_total",
		metric.WithDescription("Total detection batches finalized into a published track set (one per contributing batch)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.processResidentMemoryBytes, err = meter.Int64UpDownCounter(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.brokerPublishDuration, err = meter.Float64Histogram(
		"tracker_broker_publish_duration_seconds",
		metric.WithDescription("MQTT publish call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.brokerReconnectsTotal, err = meter.Int64Counter(
		"tracker_broker_reconnects_total",
		metric.WithDescription("Total successful broker reconnects"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.brokerConnectionErrors, err = meter.Int64Counter(
		"tracker_broker_connection_errors_total",
		metric.WithDescription("Total broker connection/reconnect failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.chunkQueueDepth, err = meter.Int64UpDownCounter(
		"tracker_worker_queue_depth",
		metric.WithDescription("Current depth of a per-scope worker's chunk queue"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// RecordPipelineLatency records the receive-to-publish duration for a
// successfully finalized detection batch.
func (mm *MetricsManager) RecordPipelineLatency(ctx context.Context, sceneID, category string, duration time.Duration) {
	mm.pipelineLatencySeconds.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("scene", sceneID),
		attribute.String("category", category),
	))
}

// IncrementDropped records a detection batch abort, labeled by the closed
// set of drop reasons and the pipeline stage it was dropped at.
func (mm *MetricsManager) IncrementDropped(ctx context.Context, sceneID, category, reason, stage string) {
	mm.detectionsDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scene", sceneID),
		attribute.String("category", category),
		attribute.String("reason", reason),
		attribute.String("stage", stage),
	))

	mm.dropCountsMu.Lock()
	mm.dropCounts[reason]++
	mm.dropCountsMu.Unlock()
}

// TopDropReasons returns up to n drop reasons observed since the last call,
// sorted by count descending, then resets the in-memory tally. It backs
// MetricsTicker's periodic log-level summary for operators without a
// Prometheus scrape configured.
func (mm *MetricsManager) TopDropReasons(n int) []DropReasonCount {
	mm.dropCountsMu.Lock()
	counts := mm.dropCounts
	mm.dropCounts = make(map[string]int64)
	mm.dropCountsMu.Unlock()

	out := make([]DropReasonCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, DropReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// IncrementTrackSetsPublished records one finalized detection batch whose
// TrackSet was published; a TrackSet built from N batches counts N times.
func (mm *MetricsManager) IncrementTrackSetsPublished(ctx context.Context, sceneID, category string) {
	mm.trackSetsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scene", sceneID),
		attribute.String("category", category),
	))
}

// UpdateSystemMetrics refreshes process-level gauges.
func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
	mm.processResidentMemoryBytes.Add(ctx, int64(m.Sys))
}

// Broker metrics methods
func (mm *MetricsManager) RecordBrokerPublishDuration(ctx context.Context, topic string, duration time.Duration) {
	mm.brokerPublishDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) IncrementBrokerReconnects(ctx context.Context) {
	mm.brokerReconnectsTotal.Add(ctx, 1)
}

func (mm *MetricsManager) IncrementBrokerConnectionErrors(ctx context.Context) {
	mm.brokerConnectionErrors.Add(ctx, 1)
}

// SetWorkerQueueDepth reports the current depth of a scope's chunk queue.
// delta should be +1 on enqueue, -1 on dequeue.
func (mm *MetricsManager) SetWorkerQueueDepth(ctx context.Context, sceneID, category string, delta int64) {
	mm.chunkQueueDepth.Add(ctx, delta, metric.WithAttributes(
		attribute.String("scene", sceneID),
		attribute.String("category", category),
	))
}
