package observability

import (
	"context"
	"log/slog"
	"time"
)

// topDropReasonsPerTick bounds the periodic drop-reason summary log line.
const topDropReasonsPerTick = 3

// MetricsTicker periodically refreshes process-level gauges (goroutines,
// memory) and logs a top-drop-reasons summary, between the per-message
// metric emissions done by ObservabilityContext.
type MetricsTicker struct {
	ctx            context.Context
	metricsManager *MetricsManager
	logger         *slog.Logger
	ticker         *time.Ticker
	done           chan struct{}
}

// NewMetricsTicker creates a new metrics ticker.
func NewMetricsTicker(ctx context.Context, metricsManager *MetricsManager, logger *slog.Logger) *MetricsTicker {
	return &MetricsTicker{
		ctx:            ctx,
		metricsManager: metricsManager,
		logger:         logger,
		ticker:         time.NewTicker(30 * time.Second),
		done:           make(chan struct{}),
	}
}

// Start begins the metrics collection loop in its own goroutine.
func (m *MetricsTicker) Start() {
	go func() {
		defer m.ticker.Stop()
		for {
			select {
			case <-m.ticker.C:
				m.metricsManager.UpdateSystemMetrics(m.ctx)
				m.logTopDropReasons()
			case <-m.ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

// logTopDropReasons emits a log-level summary of the most common drop
// reasons observed since the previous tick, for operators without a
// Prometheus scrape configured.
func (m *MetricsTicker) logTopDropReasons() {
	top := m.metricsManager.TopDropReasons(topDropReasonsPerTick)
	if len(top) == 0 {
		return
	}
	reasons := make([]any, 0, len(top)*2)
	for _, rc := range top {
		reasons = append(reasons, rc.Reason, rc.Count)
	}
	m.logger.Info("top drop reasons since last tick", reasons...)
}

// Stop stops the metrics collection loop.
func (m *MetricsTicker) Stop() {
	close(m.done)
}
