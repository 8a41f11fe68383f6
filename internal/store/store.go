package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record id does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidMetric is returned when a time-series query names an
// unrecognized metric.
var ErrInvalidMetric = errors.New("unrecognized time-series metric")

// Time-series metric names accepted by TraceSeries.
const (
	SeriesMetricLatency  = "latency_ms"
	SeriesMetricTokens   = "tokens"
	SeriesMetricCost     = "cost_usd"
	SeriesMetricRequests = "requests"
)

// Time-series aggregation names.
const (
	SeriesAggAvg   = "avg"
	SeriesAggSum   = "sum"
	SeriesAggCount = "count"
	SeriesAggMin   = "min"
	SeriesAggMax   = "max"
	SeriesAggP95   = "p95"
)

// RecordStore is the durable append/query interface shared by every
// engine. Each call is transactionally consistent on its own; callers must
// not assume cross-call transactions.
type RecordStore interface {
	// Traces.
	InsertTrace(ctx context.Context, t *Trace) (int64, error)
	GetTrace(ctx context.Context, id int64) (*Trace, error)
	QueryTraces(ctx context.Context, filter TraceFilter) ([]*Trace, error)

	// Sessions. DeleteSession cascades to the session's spans.
	InsertSession(ctx context.Context, s *Session) (int64, error)
	GetSession(ctx context.Context, id int64) (*Session, error)
	QuerySessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id int64) error

	// Spans. SpansForSession returns creation order ascending.
	InsertSpan(ctx context.Context, s *Span) (int64, error)
	GetSpan(ctx context.Context, id int64) (*Span, error)
	SpansForSession(ctx context.Context, sessionID int64) ([]*Span, error)

	// Alerts.
	InsertAlert(ctx context.Context, a *Alert) (int64, error)
	GetAlert(ctx context.Context, id int64) (*Alert, error)
	QueryAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
	UpdateAlert(ctx context.Context, a *Alert) error
	// LatestUnacknowledgedAlert returns the newest unacknowledged alert for
	// the given metric name created at or after since, or ErrNotFound.
	LatestUnacknowledgedAlert(ctx context.Context, metricName string, since time.Time) (*Alert, error)
	AlertSeverityCounts(ctx context.Context) ([]SeverityCount, error)

	// Thresholds, ordered by metric name ascending.
	InsertThreshold(ctx context.Context, t *Threshold) (int64, error)
	GetThreshold(ctx context.Context, id int64) (*Threshold, error)
	ListThresholds(ctx context.Context, enabledOnly bool) ([]*Threshold, error)
	UpdateThreshold(ctx context.Context, t *Threshold) error
	DeleteThreshold(ctx context.Context, id int64) error

	// Aggregates over traces.
	TraceStats(ctx context.Context, from, to time.Time) (*TraceStats, error)
	TraceLatencies(ctx context.Context, from, to time.Time) ([]float64, error)
	CountTracesSince(ctx context.Context, since time.Time) (int64, error)
	TraceSeries(ctx context.Context, metric, aggregation string, from, to time.Time) ([]SeriesPoint, error)
	LatencySamples(ctx context.Context, from, to time.Time) ([]LatencySample, error)
	ModelStats(ctx context.Context) ([]ModelStats, error)
	TracesForSession(ctx context.Context, sessionID int64) ([]*Trace, error)

	// Aggregates over sessions.
	SessionStats(ctx context.Context, since time.Time) (*SessionStats, error)

	Close() error
}

// TraceFilter narrows QueryTraces. Zero fields are ignored. Results are
// ordered by creation time descending.
type TraceFilter struct {
	Model     string
	Provider  string
	Status    string
	SessionID int64
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// SessionFilter narrows QuerySessions. Results are ordered by start time
// descending.
type SessionFilter struct {
	Status string
	UserID string
	Limit  int
	Offset int
}

// AlertFilter narrows QueryAlerts. Results are ordered by creation time
// descending.
type AlertFilter struct {
	Severity     string
	AlertType    string
	Acknowledged *bool
	Limit        int
	Offset       int
}

// TraceStats is a point-in-time aggregate over a trace window. An empty
// window yields zero values, never an error.
type TraceStats struct {
	Count             int64
	AvgLatencyMS      float64
	TotalTokens       int64
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
	SuccessCount      int64
	FailureCount      int64
}

// SeriesPoint is one populated 1-minute bucket. Buckets with no matching
// traces are absent from the series.
type SeriesPoint struct {
	BucketStart time.Time
	Value       float64
}

// LatencySample pairs a trace latency with its 1-minute bucket, for
// percentile aggregations computed outside SQL.
type LatencySample struct {
	BucketStart time.Time
	LatencyMS   float64
}

// ModelStats aggregates traces for one (model, provider) pair.
type ModelStats struct {
	Model        string
	Provider     string
	RequestCount int64
	AvgLatencyMS float64
	TotalTokens  int64
	TotalCostUSD float64
	SuccessCount int64
	FailureCount int64
}

// SessionStats aggregates sessions started within a trailing window.
type SessionStats struct {
	Total             int64
	Completed         int64
	Failed            int64
	Running           int64
	AvgTotalLatencyMS float64
	TotalCostUSD      float64
	TotalTokens       int64
}

// SeverityCount is one row of the alerts-by-severity summary.
type SeverityCount struct {
	Severity       string
	Total          int64
	Unacknowledged int64
}

// ValidSeriesMetric reports whether metric is recognized by TraceSeries.
func ValidSeriesMetric(metric string) bool {
	switch metric {
	case SeriesMetricLatency, SeriesMetricTokens, SeriesMetricCost, SeriesMetricRequests:
		return true
	}
	return false
}
