// Package metrics aggregates stored traces into dashboard-facing numbers:
// fleet-wide summaries, per-model breakdowns, and 1-minute time series.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

// defaultSeriesWindow is the trailing window applied when a time-series
// request does not bound its range.
const defaultSeriesWindow = 24 * time.Hour

// Engine computes aggregates on demand. It holds no state beyond the store
// handle and is safe for concurrent use.
type Engine struct {
	store store.RecordStore
	now   func() time.Time
}

func NewEngine(s store.RecordStore) *Engine {
	return &Engine{store: s, now: time.Now}
}

// Summary is the fleet-wide aggregate over a trace window. Rates are
// percentages and read 0 over an empty window.
type Summary struct {
	TotalRequests       int64   `json:"total_requests"`
	AvgLatencyMS        float64 `json:"avg_latency_ms"`
	P95LatencyMS        float64 `json:"p95_latency_ms"`
	P99LatencyMS        float64 `json:"p99_latency_ms"`
	TotalTokens         int64   `json:"total_tokens"`
	TotalInputTokens    int64   `json:"total_input_tokens"`
	TotalOutputTokens   int64   `json:"total_output_tokens"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
	SuccessRatePct      float64 `json:"success_rate_pct"`
	FailureRatePct      float64 `json:"failure_rate_pct"`
	ErrorRatePct        float64 `json:"error_rate_pct"`
	AvgTokensPerRequest float64 `json:"avg_tokens_per_request"`
	CostPerToken        float64 `json:"cost_per_token"`
	RequestsPerMinute   float64 `json:"requests_per_minute"`
}

// Summary aggregates all traces in [from, to]. Zero bounds leave the window
// open on that side. RequestsPerMinute always reflects the trailing hour
// regardless of the requested window.
func (e *Engine) Summary(ctx context.Context, from, to time.Time) (*Summary, error) {
	stats, err := e.store.TraceStats(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("trace stats: %w", err)
	}

	summary := &Summary{
		TotalRequests:     stats.Count,
		AvgLatencyMS:      stats.AvgLatencyMS,
		TotalTokens:       stats.TotalTokens,
		TotalInputTokens:  stats.TotalInputTokens,
		TotalOutputTokens: stats.TotalOutputTokens,
		TotalCostUSD:      stats.TotalCostUSD,
	}

	if stats.Count > 0 {
		latencies, err := e.store.TraceLatencies(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("trace latencies: %w", err)
		}
		summary.P95LatencyMS = percentile(latencies, 95)
		summary.P99LatencyMS = percentile(latencies, 99)

		total := float64(stats.Count)
		summary.SuccessRatePct = float64(stats.SuccessCount) / total * 100
		summary.FailureRatePct = float64(stats.FailureCount) / total * 100
		summary.ErrorRatePct = summary.FailureRatePct
		summary.AvgTokensPerRequest = float64(stats.TotalTokens) / total
	}
	if stats.TotalTokens > 0 {
		summary.CostPerToken = stats.TotalCostUSD / float64(stats.TotalTokens)
	}

	recentCount, err := e.store.CountTracesSince(ctx, e.now().UTC().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count recent traces: %w", err)
	}
	summary.RequestsPerMinute = float64(recentCount) / 60

	return summary, nil
}

// Point is one populated 1-minute bucket of a time series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is a time-series response. Buckets with no traces are absent.
type Series struct {
	Metric      string    `json:"metric"`
	Aggregation string    `json:"aggregation"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Points      []Point   `json:"points"`
}

// TimeSeries buckets traces into 1-minute intervals and aggregates the
// named metric. An unbounded range defaults to the trailing 24 hours. An
// unrecognized metric returns store.ErrInvalidMetric; an unrecognized
// aggregation falls back to the metric's default.
func (e *Engine) TimeSeries(ctx context.Context, metric, aggregation string, from, to time.Time) (*Series, error) {
	if !store.ValidSeriesMetric(metric) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidMetric, metric)
	}

	if to.IsZero() {
		to = e.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultSeriesWindow)
	}

	series := &Series{
		Metric:      metric,
		Aggregation: aggregation,
		From:        from,
		To:          to,
	}

	// Percentile aggregation only applies to latency and cannot run in SQL;
	// fold the per-bucket samples here instead.
	if aggregation == store.SeriesAggP95 && metric == store.SeriesMetricLatency {
		samples, err := e.store.LatencySamples(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("latency samples: %w", err)
		}
		series.Points = foldPercentileBuckets(samples, 95)
		return series, nil
	}

	points, err := e.store.TraceSeries(ctx, metric, aggregation, from, to)
	if err != nil {
		return nil, fmt.Errorf("trace series: %w", err)
	}
	series.Points = make([]Point, 0, len(points))
	for _, p := range points {
		series.Points = append(series.Points, Point{Timestamp: p.BucketStart, Value: p.Value})
	}
	return series, nil
}

// foldPercentileBuckets reduces bucket-ordered latency samples to one
// percentile value per bucket. Samples arrive sorted by bucket then
// latency, so each bucket's run is already ascending.
func foldPercentileBuckets(samples []store.LatencySample, p float64) []Point {
	points := make([]Point, 0)
	run := make([]float64, 0, 16)
	var bucket time.Time

	flush := func() {
		if len(run) == 0 {
			return
		}
		points = append(points, Point{Timestamp: bucket, Value: percentile(run, p)})
		run = run[:0]
	}

	for _, sample := range samples {
		if len(run) > 0 && !sample.BucketStart.Equal(bucket) {
			flush()
		}
		bucket = sample.BucketStart
		run = append(run, sample.LatencyMS)
	}
	flush()
	return points
}

// ModelSummary is the aggregate for one (model, provider) pair.
type ModelSummary struct {
	Model          string  `json:"model"`
	Provider       string  `json:"provider"`
	RequestCount   int64   `json:"request_count"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	SuccessRatePct float64 `json:"success_rate_pct"`
	FailureCount   int64   `json:"failure_count"`
}

// ModelsSummary breaks down all traces by model and provider, most-used
// models first.
func (e *Engine) ModelsSummary(ctx context.Context) ([]ModelSummary, error) {
	stats, err := e.store.ModelStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("model stats: %w", err)
	}

	summaries := make([]ModelSummary, 0, len(stats))
	for _, row := range stats {
		summary := ModelSummary{
			Model:          row.Model,
			Provider:       row.Provider,
			RequestCount:   row.RequestCount,
			AvgLatencyMS:   row.AvgLatencyMS,
			TotalTokens:    row.TotalTokens,
			TotalCostUSD:   row.TotalCostUSD,
			FailureCount:   row.FailureCount,
		}
		if row.RequestCount > 0 {
			summary.SuccessRatePct = float64(row.SuccessCount) / float64(row.RequestCount) * 100
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
