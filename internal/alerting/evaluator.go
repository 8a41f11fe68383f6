// Package alerting evaluates operator-defined thresholds against live
// aggregates and raises alerts when they are breached.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

// Threshold metric names the evaluator understands. Thresholds on any
// other metric name are skipped.
const (
	MetricAvgLatencyMS      = "avg_latency_ms"
	MetricErrorRatePct      = "error_rate_pct"
	MetricTotalCostUSD      = "total_cost_usd"
	MetricRequestsPerMinute = "requests_per_minute"
)

// dedupWindow suppresses a new alert while an unacknowledged alert for the
// same metric exists within it.
const dedupWindow = 5 * time.Minute

// rpmWindow is the trailing window the request rate is computed over.
const rpmWindow = time.Hour

// Broadcaster pushes a newly created alert to live subscribers.
type Broadcaster interface {
	BroadcastAlert(alert *store.Alert)
}

// ValidMetricName reports whether name is a metric the evaluator can
// compute.
func ValidMetricName(name string) bool {
	switch name {
	case MetricAvgLatencyMS, MetricErrorRatePct, MetricTotalCostUSD, MetricRequestsPerMinute:
		return true
	}
	return false
}

// Evaluator checks enabled thresholds against current metric values.
type Evaluator struct {
	store       store.RecordStore
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewEvaluator builds an evaluator. broadcaster may be nil when no live
// fan-out is wired.
func NewEvaluator(s store.RecordStore, broadcaster Broadcaster, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:       s,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
}

// Result summarizes one evaluation pass. Checked counts every enabled
// threshold, including ones skipped for an unrecognized metric name.
type Result struct {
	Checked int            `json:"checked_thresholds"`
	Created int            `json:"new_alerts_created"`
	Alerts  []*store.Alert `json:"-"`
}

// CheckThresholds evaluates every enabled threshold once. A threshold
// fires when its metric's current value strictly exceeds the configured
// value and no unacknowledged alert for the same metric was created within
// the dedup window. Created alerts are stored and broadcast.
func (e *Evaluator) CheckThresholds(ctx context.Context) (*Result, error) {
	thresholds, err := e.store.ListThresholds(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list enabled thresholds: %w", err)
	}

	values, err := e.currentValues(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{Checked: len(thresholds), Alerts: make([]*store.Alert, 0)}
	for _, threshold := range thresholds {
		value, ok := values[threshold.MetricName]
		if !ok {
			e.logger.Warn("skipping threshold on unrecognized metric",
				"threshold_id", threshold.ID,
				"metric_name", threshold.MetricName)
			continue
		}

		if value <= threshold.ThresholdValue {
			continue
		}

		if _, err := e.store.LatestUnacknowledgedAlert(ctx, threshold.MetricName, e.now().UTC().Add(-dedupWindow)); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("dedup lookup for %s: %w", threshold.MetricName, err)
		}

		alert := &store.Alert{
			Severity:    threshold.Severity,
			Title:       fmt.Sprintf("%s threshold exceeded", threshold.MetricName),
			Description: fmt.Sprintf("Current value: %.2f, Threshold: %.2f", value, threshold.ThresholdValue),
			Metric:      value,
			Threshold:   threshold.ThresholdValue,
			AlertType:   "threshold",
			MetricName:  threshold.MetricName,
			CreatedAt:   e.now().UTC(),
		}
		if _, err := e.store.InsertAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("store alert for %s: %w", threshold.MetricName, err)
		}
		result.Created++
		result.Alerts = append(result.Alerts, alert)

		e.logger.Info("threshold alert raised",
			"metric_name", threshold.MetricName,
			"value", value,
			"threshold", threshold.ThresholdValue,
			"severity", threshold.Severity)

		if e.broadcaster != nil {
			e.broadcaster.BroadcastAlert(alert)
		}
	}
	return result, nil
}

// currentValues computes every supported metric once per pass. Latency,
// error rate, and cost accumulate over all stored traffic; the request
// rate counts the trailing hour divided by 60.
func (e *Evaluator) currentValues(ctx context.Context) (map[string]float64, error) {
	stats, err := e.store.TraceStats(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("trace stats: %w", err)
	}

	errorRate := 0.0
	if stats.Count > 0 {
		errorRate = float64(stats.FailureCount) / float64(stats.Count) * 100
	}

	recent, err := e.store.CountTracesSince(ctx, e.now().UTC().Add(-rpmWindow))
	if err != nil {
		return nil, fmt.Errorf("count recent traces: %w", err)
	}

	return map[string]float64{
		MetricAvgLatencyMS:      stats.AvgLatencyMS,
		MetricErrorRatePct:      errorRate,
		MetricTotalCostUSD:      stats.TotalCostUSD,
		MetricRequestsPerMinute: float64(recent) / 60,
	}, nil
}
