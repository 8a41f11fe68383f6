package alerting

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

type captureBroadcaster struct {
	alerts []*store.Alert
}

func (c *captureBroadcaster) BroadcastAlert(alert *store.Alert) {
	c.alerts = append(c.alerts, alert)
}

func newTestEvaluator(t *testing.T) (*Evaluator, *store.SQLStore, *captureBroadcaster) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tracelens.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	broadcaster := &captureBroadcaster{}
	evaluator := NewEvaluator(s, broadcaster, slog.Default())
	return evaluator, s, broadcaster
}

func insertSlowTraces(t *testing.T, s *store.SQLStore, at time.Time, latency float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.InsertTrace(context.Background(), &store.Trace{
			Model: "m", Provider: "p",
			LatencyMS: latency,
			CreatedAt: at.Add(-time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("InsertTrace() error: %v", err)
		}
	}
}

func insertThreshold(t *testing.T, s *store.SQLStore, metricName string, value float64) {
	t.Helper()
	if _, err := s.InsertThreshold(context.Background(), &store.Threshold{
		MetricName:     metricName,
		ThresholdValue: value,
		Severity:       store.SeverityHigh,
		Enabled:        true,
	}); err != nil {
		t.Fatalf("InsertThreshold() error: %v", err)
	}
}

func TestCheckThresholdsRaisesAlert(t *testing.T) {
	t.Parallel()

	evaluator, s, broadcaster := newTestEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evaluator.now = func() time.Time { return now }

	insertSlowTraces(t, s, now, 2500, 3)
	insertThreshold(t, s, MetricAvgLatencyMS, 2000)

	result, err := evaluator.CheckThresholds(context.Background())
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if result.Checked != 1 || result.Created != 1 {
		t.Fatalf("CheckThresholds() = %+v, want 1 checked, 1 created", result)
	}

	alerts, err := s.QueryAlerts(context.Background(), store.AlertFilter{})
	if err != nil {
		t.Fatalf("QueryAlerts() error: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("stored %d alerts, want 1", len(alerts))
	}
	alert := alerts[0]
	if alert.Title != "avg_latency_ms threshold exceeded" {
		t.Fatalf("alert title = %q", alert.Title)
	}
	if alert.Description != "Current value: 2500.00, Threshold: 2000.00" {
		t.Fatalf("alert description = %q", alert.Description)
	}
	if alert.AlertType != "threshold" || alert.MetricName != MetricAvgLatencyMS {
		t.Fatalf("alert typing = %q/%q", alert.AlertType, alert.MetricName)
	}
	if alert.Severity != store.SeverityHigh {
		t.Fatalf("alert severity = %q, want threshold severity", alert.Severity)
	}

	if len(broadcaster.alerts) != 1 || broadcaster.alerts[0].ID != alert.ID {
		t.Fatalf("broadcast alerts = %+v, want the stored alert", broadcaster.alerts)
	}
}

func TestCheckThresholdsBelowValueNoAlert(t *testing.T) {
	t.Parallel()

	evaluator, s, _ := newTestEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evaluator.now = func() time.Time { return now }

	insertSlowTraces(t, s, now, 1000, 3)
	insertThreshold(t, s, MetricAvgLatencyMS, 2000)

	result, err := evaluator.CheckThresholds(context.Background())
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if result.Checked != 1 || result.Created != 0 {
		t.Fatalf("CheckThresholds() = %+v, want no alert below threshold", result)
	}
}

func TestCheckThresholdsExactValueNoAlert(t *testing.T) {
	t.Parallel()

	evaluator, s, _ := newTestEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evaluator.now = func() time.Time { return now }

	insertSlowTraces(t, s, now, 2000, 3)
	insertThreshold(t, s, MetricAvgLatencyMS, 2000)

	result, err := evaluator.CheckThresholds(context.Background())
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if result.Created != 0 {
		t.Fatal("CheckThresholds() raised an alert at exactly the threshold value")
	}
}

func TestCheckThresholdsDedupWindow(t *testing.T) {
	t.Parallel()

	evaluator, s, _ := newTestEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evaluator.now = func() time.Time { return now }

	insertSlowTraces(t, s, now, 2500, 3)
	insertThreshold(t, s, MetricAvgLatencyMS, 2000)

	ctx := context.Background()
	first, err := evaluator.CheckThresholds(ctx)
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if first.Created != 1 {
		t.Fatalf("first pass created %d alerts, want 1", first.Created)
	}

	// Still inside the dedup window.
	now = now.Add(2 * time.Minute)
	second, err := evaluator.CheckThresholds(ctx)
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if second.Created != 0 {
		t.Fatal("second pass re-raised an alert inside the dedup window")
	}

	// Past the window the breach alerts again.
	now = now.Add(4 * time.Minute)
	insertSlowTraces(t, s, now, 2500, 3)
	third, err := evaluator.CheckThresholds(ctx)
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if third.Created != 1 {
		t.Fatalf("third pass created %d alerts, want 1 past the dedup window", third.Created)
	}
}

func TestCheckThresholdsAcknowledgedAlertDoesNotDedup(t *testing.T) {
	t.Parallel()

	evaluator, s, _ := newTestEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evaluator.now = func() time.Time { return now }

	insertSlowTraces(t, s, now, 2500, 3)
	insertThreshold(t, s, MetricAvgLatencyMS, 2000)

	ctx := context.Background()
	if _, err := evaluator.CheckThresholds(ctx); err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}

	alerts, err := s.QueryAlerts(ctx, store.AlertFilter{})
	if err != nil {
		t.Fatalf("QueryAlerts() error: %v", err)
	}
	ackAt := now
	alerts[0].Acknowledged = true
	alerts[0].AcknowledgedAt = &ackAt
	if err := s.UpdateAlert(ctx, alerts[0]); err != nil {
		t.Fatalf("UpdateAlert() error: %v", err)
	}

	now = now.Add(time.Minute)
	result, err := evaluator.CheckThresholds(ctx)
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if result.Created != 1 {
		t.Fatalf("CheckThresholds() created %d alerts after ack, want 1", result.Created)
	}
}

func TestCheckThresholdsSkipsUnrecognizedMetric(t *testing.T) {
	t.Parallel()

	evaluator, s, _ := newTestEvaluator(t)
	insertThreshold(t, s, "gpu_temperature", 90)

	result, err := evaluator.CheckThresholds(context.Background())
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if result.Checked != 1 {
		t.Fatalf("CheckThresholds() checked %d, want the skipped threshold still counted", result.Checked)
	}
	if result.Created != 0 {
		t.Fatalf("CheckThresholds() created %d alerts on an unrecognized metric, want 0", result.Created)
	}
}

func TestCheckThresholdsErrorRate(t *testing.T) {
	t.Parallel()

	evaluator, s, _ := newTestEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evaluator.now = func() time.Time { return now }

	ctx := context.Background()
	for i, status := range []string{store.StatusFailure, store.StatusFailure, store.StatusSuccess, store.StatusSuccess} {
		if _, err := s.InsertTrace(ctx, &store.Trace{
			Model: "m", Provider: "p",
			Status:    status,
			CreatedAt: now.Add(-time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("InsertTrace() error: %v", err)
		}
	}
	insertThreshold(t, s, MetricErrorRatePct, 25)

	result, err := evaluator.CheckThresholds(ctx)
	if err != nil {
		t.Fatalf("CheckThresholds() error: %v", err)
	}
	if result.Created != 1 {
		t.Fatalf("CheckThresholds() created %d alerts, want 1 for a 50%% error rate", result.Created)
	}
}

func TestValidMetricName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{MetricAvgLatencyMS, MetricErrorRatePct, MetricTotalCostUSD, MetricRequestsPerMinute} {
		if !ValidMetricName(name) {
			t.Fatalf("ValidMetricName(%q) = false", name)
		}
	}
	if ValidMetricName("gpu_temperature") {
		t.Fatal(`ValidMetricName("gpu_temperature") = true`)
	}
}
