package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

// bottleneckRatio marks a span as a bottleneck when its latency exceeds
// this multiple of the session's mean span latency.
const bottleneckRatio = 2.0

// defaultSummaryWindow bounds the sessions summary when the caller gives
// no window.
const defaultSummaryWindow = 24 * time.Hour

// Analyzer derives diagnostics from stored sessions, spans, and the
// traces linked to them.
type Analyzer struct {
	store store.RecordStore
}

func NewAnalyzer(s store.RecordStore) *Analyzer {
	return &Analyzer{store: s}
}

// SessionHeader echoes the analyzed session with totals recomputed from its
// spans and traces.
type SessionHeader struct {
	ID             int64      `json:"id"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at"`
	TotalLatencyMS float64    `json:"total_latency_ms"`
	TotalTokens    int64      `json:"total_tokens"`
	TotalCostUSD   float64    `json:"total_cost_usd"`
}

// SpanMetrics summarizes span outcomes for one session.
type SpanMetrics struct {
	TotalSpans      int     `json:"total_spans"`
	SuccessfulSpans int     `json:"successful_spans"`
	FailedSpans     int     `json:"failed_spans"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
}

// RootCause is a failed span, reported in creation order.
type RootCause struct {
	SpanID    int64     `json:"span_id"`
	SpanName  string    `json:"span_name"`
	SpanType  string    `json:"span_type"`
	Error     string    `json:"error"`
	LatencyMS float64   `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Bottleneck is a span whose latency exceeds twice the session mean.
type Bottleneck struct {
	SpanID       int64   `json:"span_id"`
	SpanName     string  `json:"span_name"`
	SpanType     string  `json:"span_type"`
	LatencyMS    float64 `json:"latency_ms"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	LatencyRatio float64 `json:"latency_ratio"`
}

// TokenAnalysis totals token and cost spend across the session's spans and
// linked traces.
type TokenAnalysis struct {
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	CostPerToken     float64 `json:"cost_per_token"`
	LLMCalls         int     `json:"llm_calls"`
	AvgTokensPerCall float64 `json:"avg_tokens_per_call"`
}

// TraceSummary is the trimmed view of a trace linked to a session.
type TraceSummary struct {
	ID        int64     `json:"id"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	LatencyMS float64   `json:"latency_ms"`
	Tokens    int64     `json:"tokens"`
	CostUSD   float64   `json:"cost_usd"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Analysis is the full diagnostic report for one session.
type Analysis struct {
	Session     SessionHeader  `json:"session"`
	Metrics     SpanMetrics    `json:"metrics"`
	RootCauses  []RootCause    `json:"root_causes"`
	Bottlenecks []Bottleneck   `json:"bottlenecks"`
	Tokens      TokenAnalysis  `json:"token_analysis"`
	Traces      []TraceSummary `json:"llm_traces"`
}

// AnalyzeSession reports the failure root causes, latency bottlenecks, and
// token spend of one session. Totals sum over the session's spans and its
// linked traces. A session with no spans yields an all-zero report rather
// than an error; a missing session returns store.ErrNotFound.
func (a *Analyzer) AnalyzeSession(ctx context.Context, sessionID int64) (*Analysis, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	spans, err := a.store.SpansForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session spans: %w", err)
	}
	traces, err := a.store.TracesForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session traces: %w", err)
	}

	analysis := &Analysis{
		Session: SessionHeader{
			ID:        session.ID,
			Title:     session.Title,
			Status:    session.Status,
			StartedAt: session.StartedAt,
			EndedAt:   session.EndedAt,
		},
		RootCauses:  make([]RootCause, 0),
		Bottlenecks: make([]Bottleneck, 0),
		Traces:      make([]TraceSummary, 0, len(traces)),
	}

	var spanLatency float64
	for _, span := range spans {
		spanLatency += span.LatencyMS
		analysis.Session.TotalTokens += span.TokensUsed
		analysis.Session.TotalCostUSD += span.CostUSD
		switch span.Status {
		case store.StatusFailure:
			analysis.Metrics.FailedSpans++
			analysis.RootCauses = append(analysis.RootCauses, RootCause{
				SpanID:    span.ID,
				SpanName:  span.Name,
				SpanType:  span.SpanType,
				Error:     span.Error,
				LatencyMS: span.LatencyMS,
				CreatedAt: span.CreatedAt,
			})
		case store.StatusSuccess:
			analysis.Metrics.SuccessfulSpans++
		}
	}
	analysis.Session.TotalLatencyMS = spanLatency

	for _, trace := range traces {
		analysis.Session.TotalLatencyMS += trace.LatencyMS
		analysis.Session.TotalTokens += trace.Tokens
		analysis.Session.TotalCostUSD += trace.CostUSD
		analysis.Traces = append(analysis.Traces, TraceSummary{
			ID:        trace.ID,
			Model:     trace.Model,
			Provider:  trace.Provider,
			LatencyMS: trace.LatencyMS,
			Tokens:    trace.Tokens,
			CostUSD:   trace.CostUSD,
			Status:    trace.Status,
			CreatedAt: trace.CreatedAt,
		})
	}

	analysis.Metrics.TotalSpans = len(spans)
	if len(spans) > 0 {
		analysis.Metrics.SuccessRate = float64(analysis.Metrics.SuccessfulSpans) / float64(len(spans)) * 100
		mean := spanLatency / float64(len(spans))
		analysis.Metrics.AvgLatencyMS = mean
		for _, span := range spans {
			if span.LatencyMS > bottleneckRatio*mean {
				analysis.Bottlenecks = append(analysis.Bottlenecks, Bottleneck{
					SpanID:       span.ID,
					SpanName:     span.Name,
					SpanType:     span.SpanType,
					LatencyMS:    span.LatencyMS,
					AvgLatencyMS: mean,
					LatencyRatio: span.LatencyMS / mean,
				})
			}
		}
	}

	analysis.Tokens = TokenAnalysis{
		TotalTokens: analysis.Session.TotalTokens,
		TotalCost:   analysis.Session.TotalCostUSD,
		LLMCalls:    len(traces),
	}
	if analysis.Tokens.TotalTokens > 0 {
		analysis.Tokens.CostPerToken = analysis.Tokens.TotalCost / float64(analysis.Tokens.TotalTokens)
	}
	if len(traces) > 0 {
		analysis.Tokens.AvgTokensPerCall = float64(analysis.Tokens.TotalTokens) / float64(len(traces))
	}
	return analysis, nil
}

// TimelineEvent is one span on a session's execution timeline.
type TimelineEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"type"`
	SpanID    int64     `json:"span_id"`
	SpanName  string    `json:"span_name"`
	SpanType  string    `json:"span_type"`
	Status    string    `json:"status"`
	LatencyMS float64   `json:"latency_ms"`
	ParentID  *int64    `json:"parent_id"`
}

// Timeline is a session's spans in chronological order. DurationMS is nil
// while the session is still running.
type Timeline struct {
	SessionID  int64           `json:"session_id"`
	Events     []TimelineEvent `json:"timeline"`
	TotalSpans int             `json:"total_spans"`
	DurationMS *float64        `json:"duration_ms"`
}

// SessionTimeline orders the session's spans by creation time. Spans
// created at the same instant keep insertion order.
func (a *Analyzer) SessionTimeline(ctx context.Context, sessionID int64) (*Timeline, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	spans, err := a.store.SpansForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session spans: %w", err)
	}

	events := make([]TimelineEvent, 0, len(spans))
	for _, span := range spans {
		events = append(events, TimelineEvent{
			Timestamp: span.CreatedAt,
			EventType: "span",
			SpanID:    span.ID,
			SpanName:  span.Name,
			SpanType:  span.SpanType,
			Status:    span.Status,
			LatencyMS: span.LatencyMS,
			ParentID:  span.ParentID,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	timeline := &Timeline{
		SessionID:  sessionID,
		Events:     events,
		TotalSpans: len(spans),
	}
	if session.EndedAt != nil {
		duration := float64(session.EndedAt.Sub(session.StartedAt)) / float64(time.Millisecond)
		timeline.DurationMS = &duration
	}
	return timeline, nil
}

// Summary aggregates sessions started inside a trailing window.
type Summary struct {
	TotalSessions     int64   `json:"total_sessions"`
	CompletedSessions int64   `json:"completed_sessions"`
	FailedSessions    int64   `json:"failed_sessions"`
	RunningSessions   int64   `json:"running_sessions"`
	SuccessRate       float64 `json:"success_rate"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalTokens       int64   `json:"total_tokens"`
	TimeRangeHours    int     `json:"time_range_hours"`
}

// SessionsSummary aggregates sessions started in the trailing window of
// the given number of hours (24 when non-positive). The success rate is
// completed sessions over all sessions, 0 when there are none.
func (a *Analyzer) SessionsSummary(ctx context.Context, hours int) (*Summary, error) {
	window := time.Duration(hours) * time.Hour
	if window <= 0 {
		window = defaultSummaryWindow
		hours = int(defaultSummaryWindow / time.Hour)
	}

	stats, err := a.store.SessionStats(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}

	summary := &Summary{
		TotalSessions:     stats.Total,
		CompletedSessions: stats.Completed,
		FailedSessions:    stats.Failed,
		RunningSessions:   stats.Running,
		AvgLatencyMS:      stats.AvgTotalLatencyMS,
		TotalCostUSD:      stats.TotalCostUSD,
		TotalTokens:       stats.TotalTokens,
		TimeRangeHours:    hours,
	}
	if stats.Total > 0 {
		summary.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}
	return summary, nil
}
