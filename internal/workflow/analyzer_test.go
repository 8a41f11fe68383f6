package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *store.SQLStore) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tracelens.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return NewAnalyzer(s), s
}

func mustInsertSession(t *testing.T, s *store.SQLStore, sess *store.Session) int64 {
	t.Helper()
	id, err := s.InsertSession(context.Background(), sess)
	if err != nil {
		t.Fatalf("InsertSession() error: %v", err)
	}
	return id
}

func mustInsertSpan(t *testing.T, s *store.SQLStore, span *store.Span) int64 {
	t.Helper()
	id, err := s.InsertSpan(context.Background(), span)
	if err != nil {
		t.Fatalf("InsertSpan() error: %v", err)
	}
	return id
}

func TestAnalyzeSessionNotFound(t *testing.T) {
	t.Parallel()

	analyzer, _ := newTestAnalyzer(t)
	if _, err := analyzer.AnalyzeSession(context.Background(), 404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AnalyzeSession() error=%v, want ErrNotFound", err)
	}
}

func TestAnalyzeSessionNoSpansNoTraces(t *testing.T) {
	t.Parallel()

	analyzer, s := newTestAnalyzer(t)
	sessID := mustInsertSession(t, s, &store.Session{Title: "empty"})

	analysis, err := analyzer.AnalyzeSession(context.Background(), sessID)
	if err != nil {
		t.Fatalf("AnalyzeSession() error: %v", err)
	}
	if analysis.Metrics.TotalSpans != 0 || analysis.Metrics.AvgLatencyMS != 0 || analysis.Metrics.SuccessRate != 0 {
		t.Fatalf("AnalyzeSession() metrics on empty session = %+v, want zeros", analysis.Metrics)
	}
	if analysis.Tokens.CostPerToken != 0 || analysis.Tokens.AvgTokensPerCall != 0 {
		t.Fatalf("AnalyzeSession() token ratios = %+v, want 0 without division", analysis.Tokens)
	}
	if len(analysis.RootCauses) != 0 || len(analysis.Bottlenecks) != 0 || len(analysis.Traces) != 0 {
		t.Fatalf("AnalyzeSession() reported findings for an empty session: %+v", analysis)
	}
	if analysis.Session.ID != sessID || analysis.Session.Title != "empty" {
		t.Fatalf("AnalyzeSession() session header = %+v", analysis.Session)
	}
}

func TestAnalyzeSessionBottlenecks(t *testing.T) {
	t.Parallel()

	analyzer, s := newTestAnalyzer(t)
	sessID := mustInsertSession(t, s, &store.Session{Title: "slow"})

	// Mean is 325; only the 1000ms span exceeds twice the mean.
	var slowID int64
	for _, latency := range []float64{100, 100, 100, 1000} {
		id := mustInsertSpan(t, s, &store.Span{
			SessionID: sessID,
			SpanType:  store.SpanTypeTool,
			Name:      "step",
			LatencyMS: latency,
		})
		if latency == 1000 {
			slowID = id
		}
	}

	analysis, err := analyzer.AnalyzeSession(context.Background(), sessID)
	if err != nil {
		t.Fatalf("AnalyzeSession() error: %v", err)
	}
	if analysis.Metrics.AvgLatencyMS != 325 {
		t.Fatalf("AnalyzeSession() mean latency = %v, want 325", analysis.Metrics.AvgLatencyMS)
	}
	if len(analysis.Bottlenecks) != 1 {
		t.Fatalf("AnalyzeSession() found %d bottlenecks, want 1", len(analysis.Bottlenecks))
	}
	b := analysis.Bottlenecks[0]
	if b.SpanID != slowID || b.LatencyMS != 1000 || b.AvgLatencyMS != 325 {
		t.Fatalf("AnalyzeSession() bottleneck = %+v, want span %d at 1000ms over mean 325", b, slowID)
	}
	wantRatio := 1000.0 / 325.0
	if diff := b.LatencyRatio - wantRatio; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("AnalyzeSession() bottleneck ratio = %v, want %v", b.LatencyRatio, wantRatio)
	}
}

func TestAnalyzeSessionRootCausesInCreationOrder(t *testing.T) {
	t.Parallel()

	analyzer, s := newTestAnalyzer(t)
	sessID := mustInsertSession(t, s, &store.Session{Title: "failing"})

	firstFail := mustInsertSpan(t, s, &store.Span{
		SessionID: sessID,
		SpanType:  store.SpanTypeTool,
		Name:      "fetch",
		Status:    store.StatusFailure,
		Error:     "connection refused",
		LatencyMS: 40,
	})
	mustInsertSpan(t, s, &store.Span{
		SessionID: sessID,
		SpanType:  store.SpanTypeAgent,
		Name:      "recover",
		Status:    store.StatusSuccess,
	})
	secondFail := mustInsertSpan(t, s, &store.Span{
		SessionID: sessID,
		SpanType:  store.SpanTypeLLMCall,
		Name:      "summarize",
		Status:    store.StatusFailure,
		Error:     "context length exceeded",
	})

	analysis, err := analyzer.AnalyzeSession(context.Background(), sessID)
	if err != nil {
		t.Fatalf("AnalyzeSession() error: %v", err)
	}
	if analysis.Metrics.FailedSpans != 2 || len(analysis.RootCauses) != 2 {
		t.Fatalf("AnalyzeSession() root causes = %+v, want 2", analysis.RootCauses)
	}
	if analysis.RootCauses[0].SpanID != firstFail || analysis.RootCauses[1].SpanID != secondFail {
		t.Fatal("AnalyzeSession() root causes not in creation order")
	}
	first := analysis.RootCauses[0]
	if first.Error != "connection refused" || first.LatencyMS != 40 || first.CreatedAt.IsZero() {
		t.Fatalf("AnalyzeSession() first root cause = %+v", first)
	}
	wantRate := 1.0 / 3.0 * 100
	if diff := analysis.Metrics.SuccessRate - wantRate; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("AnalyzeSession() success rate = %v, want %v", analysis.Metrics.SuccessRate, wantRate)
	}
}

func TestAnalyzeSessionTotalsIncludeTraces(t *testing.T) {
	t.Parallel()

	analyzer, s := newTestAnalyzer(t)
	sessID := mustInsertSession(t, s, &store.Session{Title: "tokens"})
	ctx := context.Background()

	mustInsertSpan(t, s, &store.Span{
		SessionID:  sessID,
		SpanType:   store.SpanTypeLLMCall,
		Name:       "draft",
		TokensUsed: 900,
		CostUSD:    0.09,
		LatencyMS:  800,
	})
	mustInsertSpan(t, s, &store.Span{
		SessionID:  sessID,
		SpanType:   store.SpanTypeTool,
		Name:       "lookup",
		TokensUsed: 100,
		CostUSD:    0.01,
		LatencyMS:  200,
	})
	traceID, err := s.InsertTrace(ctx, &store.Trace{
		Model: "gpt-4o", Provider: "openai",
		Tokens: 500, CostUSD: 0.05, LatencyMS: 400,
		SessionID: &sessID,
	})
	if err != nil {
		t.Fatalf("InsertTrace() error: %v", err)
	}

	analysis, err := analyzer.AnalyzeSession(ctx, sessID)
	if err != nil {
		t.Fatalf("AnalyzeSession() error: %v", err)
	}

	if analysis.Session.TotalTokens != 1500 {
		t.Fatalf("AnalyzeSession() total tokens = %d, want spans+traces 1500", analysis.Session.TotalTokens)
	}
	if diff := analysis.Session.TotalCostUSD - 0.15; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("AnalyzeSession() total cost = %v, want 0.15", analysis.Session.TotalCostUSD)
	}
	if analysis.Session.TotalLatencyMS != 1400 {
		t.Fatalf("AnalyzeSession() total latency = %v, want 1400", analysis.Session.TotalLatencyMS)
	}

	tokens := analysis.Tokens
	if tokens.TotalTokens != 1500 || tokens.LLMCalls != 1 || tokens.AvgTokensPerCall != 1500 {
		t.Fatalf("AnalyzeSession() token analysis = %+v", tokens)
	}
	wantPerToken := 0.15 / 1500
	if diff := tokens.CostPerToken - wantPerToken; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("AnalyzeSession() cost per token = %v, want %v", tokens.CostPerToken, wantPerToken)
	}

	if len(analysis.Traces) != 1 || analysis.Traces[0].ID != traceID || analysis.Traces[0].Tokens != 500 {
		t.Fatalf("AnalyzeSession() traces = %+v, want the linked trace", analysis.Traces)
	}
}

func TestSessionTimelineOrderAndDuration(t *testing.T) {
	t.Parallel()

	analyzer, s := newTestAnalyzer(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ended := started.Add(2 * time.Second)
	sessID := mustInsertSession(t, s, &store.Session{
		Title:     "timeline",
		StartedAt: started,
		EndedAt:   &ended,
		Status:    store.SessionCompleted,
	})

	// Inserted out of chronological order.
	parentID := mustInsertSpan(t, s, &store.Span{
		SessionID: sessID,
		SpanType:  store.SpanTypeAgent,
		Name:      "late",
		CreatedAt: started.Add(time.Second),
		LatencyMS: 500,
	})
	earlyID := mustInsertSpan(t, s, &store.Span{
		SessionID: sessID,
		ParentID:  &parentID,
		SpanType:  store.SpanTypeTool,
		Name:      "early",
		CreatedAt: started,
		LatencyMS: 100,
	})

	timeline, err := analyzer.SessionTimeline(context.Background(), sessID)
	if err != nil {
		t.Fatalf("SessionTimeline() error: %v", err)
	}
	if timeline.SessionID != sessID || timeline.TotalSpans != 2 || len(timeline.Events) != 2 {
		t.Fatalf("SessionTimeline() = %+v", timeline)
	}
	if timeline.Events[0].SpanID != earlyID || timeline.Events[1].SpanID != parentID {
		t.Fatalf("SessionTimeline() order = [%d %d], want chronological", timeline.Events[0].SpanID, timeline.Events[1].SpanID)
	}
	if timeline.Events[0].ParentID == nil || *timeline.Events[0].ParentID != parentID {
		t.Fatalf("SessionTimeline() parent id = %v, want %d", timeline.Events[0].ParentID, parentID)
	}
	if timeline.Events[0].EventType != "span" {
		t.Fatalf("SessionTimeline() event type = %q, want span", timeline.Events[0].EventType)
	}
	if timeline.DurationMS == nil || *timeline.DurationMS != 2000 {
		t.Fatalf("SessionTimeline() duration = %v, want 2000", timeline.DurationMS)
	}
}

func TestSessionTimelineRunningSessionHasNilDuration(t *testing.T) {
	t.Parallel()

	analyzer, s := newTestAnalyzer(t)
	sessID := mustInsertSession(t, s, &store.Session{Title: "running"})

	timeline, err := analyzer.SessionTimeline(context.Background(), sessID)
	if err != nil {
		t.Fatalf("SessionTimeline() error: %v", err)
	}
	if timeline.DurationMS != nil {
		t.Fatalf("SessionTimeline() duration = %v, want nil while running", *timeline.DurationMS)
	}
	if len(timeline.Events) != 0 {
		t.Fatalf("SessionTimeline() events = %+v, want none", timeline.Events)
	}
}

func TestSessionTimelineNotFound(t *testing.T) {
	t.Parallel()

	analyzer, _ := newTestAnalyzer(t)
	if _, err := analyzer.SessionTimeline(context.Background(), 404); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SessionTimeline() error=%v, want ErrNotFound", err)
	}
}

func TestSessionsSummary(t *testing.T) {
	t.Parallel()

	analyzer, s := newTestAnalyzer(t)
	now := time.Now().UTC()

	for _, tc := range []struct {
		status  string
		latency float64
		tokens  int64
	}{
		{store.SessionCompleted, 100, 500},
		{store.SessionCompleted, 300, 500},
		{store.SessionFailed, 200, 0},
		{store.SessionRunning, 0, 0},
	} {
		mustInsertSession(t, s, &store.Session{
			Status:         tc.status,
			StartedAt:      now.Add(-time.Hour),
			TotalLatencyMS: tc.latency,
			TotalTokens:    tc.tokens,
		})
	}
	// Outside the 24h window.
	mustInsertSession(t, s, &store.Session{
		Status:    store.SessionCompleted,
		StartedAt: now.Add(-48 * time.Hour),
	})

	summary, err := analyzer.SessionsSummary(context.Background(), 24)
	if err != nil {
		t.Fatalf("SessionsSummary() error: %v", err)
	}
	if summary.TotalSessions != 4 || summary.CompletedSessions != 2 || summary.FailedSessions != 1 || summary.RunningSessions != 1 {
		t.Fatalf("SessionsSummary() = %+v", summary)
	}
	if summary.SuccessRate != 50 {
		t.Fatalf("SessionsSummary() success rate = %v, want 50", summary.SuccessRate)
	}
	if summary.AvgLatencyMS != 150 {
		t.Fatalf("SessionsSummary() avg latency = %v, want 150", summary.AvgLatencyMS)
	}
	if summary.TotalTokens != 1000 || summary.TimeRangeHours != 24 {
		t.Fatalf("SessionsSummary() totals = %+v", summary)
	}
}

func TestSessionsSummaryEmpty(t *testing.T) {
	t.Parallel()

	analyzer, _ := newTestAnalyzer(t)
	summary, err := analyzer.SessionsSummary(context.Background(), 0)
	if err != nil {
		t.Fatalf("SessionsSummary() error: %v", err)
	}
	if summary.TotalSessions != 0 || summary.SuccessRate != 0 {
		t.Fatalf("SessionsSummary() on empty store = %+v", summary)
	}
	if summary.TimeRangeHours != 24 {
		t.Fatalf("SessionsSummary() default window = %d, want 24", summary.TimeRangeHours)
	}
}
