package store

import (
	"context"
	"fmt"
	"time"
)

func traceWindowWhere(from, to time.Time) (string, []any) {
	where := "1=1"
	args := make([]any, 0, 2)
	if !from.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		where += " AND created_at <= ?"
		args = append(args, formatTime(to))
	}
	return where, args
}

func (s *SQLStore) TraceStats(ctx context.Context, from, to time.Time) (*TraceStats, error) {
	whereSQL, args := traceWindowWhere(from, to)
	query := s.dialect.rebind(`
SELECT COUNT(*),
       COALESCE(AVG(latency_ms), 0),
       COALESCE(SUM(tokens), 0),
       COALESCE(SUM(input_tokens), 0),
       COALESCE(SUM(output_tokens), 0),
       COALESCE(SUM(cost_usd), 0),
       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0)
FROM llm_traces
WHERE ` + whereSQL)

	var stats TraceStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Count,
		&stats.AvgLatencyMS,
		&stats.TotalTokens,
		&stats.TotalInputTokens,
		&stats.TotalOutputTokens,
		&stats.TotalCostUSD,
		&stats.SuccessCount,
		&stats.FailureCount,
	); err != nil {
		return nil, fmt.Errorf("query trace stats: %w", err)
	}
	return &stats, nil
}

// TraceLatencies returns latencies ascending so callers can interpolate
// percentiles without re-sorting.
func (s *SQLStore) TraceLatencies(ctx context.Context, from, to time.Time) ([]float64, error) {
	whereSQL, args := traceWindowWhere(from, to)
	query := s.dialect.rebind(`
SELECT latency_ms FROM llm_traces
WHERE ` + whereSQL + `
ORDER BY latency_ms ASC`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trace latencies: %w", err)
	}
	defer rows.Close()

	latencies := make([]float64, 0)
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan trace latency: %w", err)
		}
		latencies = append(latencies, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace latencies: %w", err)
	}
	return latencies, nil
}

func (s *SQLStore) CountTracesSince(ctx context.Context, since time.Time) (int64, error) {
	query := s.dialect.rebind("SELECT COUNT(*) FROM llm_traces WHERE created_at >= ?")
	var count int64
	if err := s.db.QueryRowContext(ctx, query, formatTime(since)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces since %s: %w", since.Format(time.RFC3339), err)
	}
	return count, nil
}

// seriesValueExpr maps a metric and aggregation to a SQL value expression.
// An aggregation outside the recognized set falls back to the metric's
// default. The p95 aggregation is computed by callers from LatencySamples
// and never reaches this function.
func seriesValueExpr(metric, aggregation string) (string, error) {
	column := ""
	defaultAgg := ""
	switch metric {
	case SeriesMetricLatency:
		column, defaultAgg = "latency_ms", SeriesAggAvg
	case SeriesMetricTokens:
		column, defaultAgg = "tokens", SeriesAggSum
	case SeriesMetricCost:
		column, defaultAgg = "cost_usd", SeriesAggSum
	case SeriesMetricRequests:
		return "COUNT(*)", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMetric, metric)
	}

	switch aggregation {
	case SeriesAggAvg:
		return "AVG(" + column + ")", nil
	case SeriesAggSum:
		return "SUM(" + column + ")", nil
	case SeriesAggMin:
		return "MIN(" + column + ")", nil
	case SeriesAggMax:
		return "MAX(" + column + ")", nil
	case SeriesAggCount:
		return "COUNT(*)", nil
	}

	if defaultAgg == SeriesAggAvg {
		return "AVG(" + column + ")", nil
	}
	return "SUM(" + column + ")", nil
}

func (s *SQLStore) TraceSeries(ctx context.Context, metric, aggregation string, from, to time.Time) ([]SeriesPoint, error) {
	valueExpr, err := seriesValueExpr(metric, aggregation)
	if err != nil {
		return nil, err
	}

	whereSQL, args := traceWindowWhere(from, to)
	query := s.dialect.rebind(`
SELECT ` + minuteBucketExpr + ` AS bucket_start,
       COALESCE(` + valueExpr + `, 0)
FROM llm_traces
WHERE ` + whereSQL + `
GROUP BY bucket_start
ORDER BY bucket_start ASC`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trace series: %w", err)
	}
	defer rows.Close()

	points := make([]SeriesPoint, 0)
	for rows.Next() {
		var (
			bucketRaw string
			point     SeriesPoint
		)
		if err := rows.Scan(&bucketRaw, &point.Value); err != nil {
			return nil, fmt.Errorf("scan trace series row: %w", err)
		}
		bucketStart, err := time.Parse(time.RFC3339, bucketRaw)
		if err != nil {
			return nil, fmt.Errorf("parse series bucket %q: %w", bucketRaw, err)
		}
		point.BucketStart = bucketStart.UTC()
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace series rows: %w", err)
	}
	return points, nil
}

// LatencySamples returns (bucket, latency) pairs ordered by bucket then
// latency, for percentile series aggregation.
func (s *SQLStore) LatencySamples(ctx context.Context, from, to time.Time) ([]LatencySample, error) {
	whereSQL, args := traceWindowWhere(from, to)
	query := s.dialect.rebind(`
SELECT ` + minuteBucketExpr + ` AS bucket_start,
       latency_ms
FROM llm_traces
WHERE ` + whereSQL + `
ORDER BY bucket_start ASC, latency_ms ASC`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query latency samples: %w", err)
	}
	defer rows.Close()

	samples := make([]LatencySample, 0)
	for rows.Next() {
		var (
			bucketRaw string
			sample    LatencySample
		)
		if err := rows.Scan(&bucketRaw, &sample.LatencyMS); err != nil {
			return nil, fmt.Errorf("scan latency sample: %w", err)
		}
		bucketStart, err := time.Parse(time.RFC3339, bucketRaw)
		if err != nil {
			return nil, fmt.Errorf("parse sample bucket %q: %w", bucketRaw, err)
		}
		sample.BucketStart = bucketStart.UTC()
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latency samples: %w", err)
	}
	return samples, nil
}

func (s *SQLStore) ModelStats(ctx context.Context) ([]ModelStats, error) {
	query := `
SELECT model,
       provider,
       COUNT(*),
       COALESCE(AVG(latency_ms), 0),
       COALESCE(SUM(tokens), 0),
       COALESCE(SUM(cost_usd), 0),
       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0)
FROM llm_traces
GROUP BY model, provider
ORDER BY COUNT(*) DESC, model ASC, provider ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query model stats: %w", err)
	}
	defer rows.Close()

	stats := make([]ModelStats, 0)
	for rows.Next() {
		var item ModelStats
		if err := rows.Scan(
			&item.Model,
			&item.Provider,
			&item.RequestCount,
			&item.AvgLatencyMS,
			&item.TotalTokens,
			&item.TotalCostUSD,
			&item.SuccessCount,
			&item.FailureCount,
		); err != nil {
			return nil, fmt.Errorf("scan model stats row: %w", err)
		}
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model stats rows: %w", err)
	}
	return stats, nil
}

func (s *SQLStore) SessionStats(ctx context.Context, since time.Time) (*SessionStats, error) {
	where := "1=1"
	args := []any{}
	if !since.IsZero() {
		where = "started_at >= ?"
		args = append(args, formatTime(since))
	}
	query := s.dialect.rebind(`
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
       COALESCE(AVG(total_latency_ms), 0),
       COALESCE(SUM(total_cost_usd), 0),
       COALESCE(SUM(total_tokens), 0)
FROM agent_sessions
WHERE ` + where)

	var stats SessionStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Completed,
		&stats.Failed,
		&stats.Running,
		&stats.AvgTotalLatencyMS,
		&stats.TotalCostUSD,
		&stats.TotalTokens,
	); err != nil {
		return nil, fmt.Errorf("query session stats: %w", err)
	}
	return &stats, nil
}
