package live

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracelens/tracelens/internal/metrics"
)

// defaultPushInterval is how often connected metrics subscribers receive a
// fresh summary.
const defaultPushInterval = 5 * time.Second

// MetricsPusher periodically recomputes the metrics summary and broadcasts
// it to the metrics hub while subscribers are connected.
type MetricsPusher struct {
	hub      *Hub
	engine   *metrics.Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewMetricsPusher builds a pusher. A non-positive interval falls back to
// the default.
func NewMetricsPusher(hub *Hub, engine *metrics.Engine, interval time.Duration, logger *slog.Logger) *MetricsPusher {
	if interval <= 0 {
		interval = defaultPushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsPusher{
		hub:      hub,
		engine:   engine,
		interval: interval,
		logger:   logger.With("component", "live.pusher"),
	}
}

// Run pushes metrics updates until ctx is cancelled. Pushes are skipped
// while nobody is subscribed.
func (p *MetricsPusher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pushOnce(ctx)
		}
	}
}

func (p *MetricsPusher) pushOnce(ctx context.Context) {
	if p.hub.SubscriberCount() == 0 {
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	summary, err := p.engine.Summary(pushCtx, time.Time{}, time.Time{})
	if err != nil {
		p.logger.Error("compute metrics update", "error", err)
		return
	}
	p.hub.Broadcast(Event{Type: EventMetricsUpdate, Data: summary})
}
