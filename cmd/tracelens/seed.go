package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/tracelens/tracelens/internal/ingest"
	"github.com/tracelens/tracelens/internal/store"
)

var seedModels = []struct {
	model    string
	provider string
}{
	{"gpt-4", "openai"},
	{"gpt-4-turbo", "openai"},
	{"gpt-3.5-turbo", "openai"},
	{"claude-3-sonnet", "anthropic"},
	{"claude-3-haiku", "anthropic"},
	{"claude-3-opus", "anthropic"},
	{"gemini-pro", "google"},
	{"llama-2-70b", "meta"},
}

var seedSessionTitles = []string{
	"Customer Support Bot Session",
	"Code Review Assistant",
	"Document Analysis Pipeline",
	"Multi-Agent Research Task",
	"Content Generation Workflow",
	"Translation Service",
	"Question Answering System",
	"Technical Support Agent",
}

var seedSpanTypes = []string{
	store.SpanTypeAgent,
	store.SpanTypeTool,
	store.SpanTypeReasoning,
	store.SpanTypeLLMCall,
}

// runSeed populates the configured store with demo telemetry: traces
// spread over the trailing week, sessions with span forests, standing
// thresholds, and a handful of alerts.
func runSeed(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("seed", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	traceCount := flagSet.Int("traces", 200, "Number of demo traces")
	sessionCount := flagSet.Int("sessions", 15, "Number of demo agent sessions")
	alertCount := flagSet.Int("alerts", 8, "Number of demo alerts")
	randSeed := flagSet.Int64("seed", time.Now().UnixNano(), "Random seed")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "seed does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	recordStore, err := newRecordStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer recordStore.Close()

	if err := seedDemoData(context.Background(), recordStore, seedCounts{
		Traces:   *traceCount,
		Sessions: *sessionCount,
		Alerts:   *alertCount,
	}, rand.New(rand.NewSource(*randSeed)), out); err != nil {
		fmt.Fprintf(errOut, "seeding failed: %v\n", err)
		return 1
	}
	return 0
}

type seedCounts struct {
	Traces   int
	Sessions int
	Alerts   int
}

func seedDemoData(ctx context.Context, s store.RecordStore, counts seedCounts, rng *rand.Rand, out io.Writer) error {
	now := time.Now().UTC()

	for i := 0; i < counts.Traces; i++ {
		if _, err := s.InsertTrace(ctx, randomTrace(rng, now)); err != nil {
			return fmt.Errorf("seed trace %d: %w", i+1, err)
		}
	}
	fmt.Fprintf(out, "created %d traces\n", counts.Traces)

	spanTotal := 0
	for i := 0; i < counts.Sessions; i++ {
		spans, err := seedSession(ctx, s, rng, now)
		if err != nil {
			return fmt.Errorf("seed session %d: %w", i+1, err)
		}
		spanTotal += spans
	}
	fmt.Fprintf(out, "created %d sessions with %d spans\n", counts.Sessions, spanTotal)

	thresholds := []store.Threshold{
		{MetricName: "avg_latency_ms", ThresholdValue: 5000, Severity: store.SeverityHigh, Description: "Average response time threshold"},
		{MetricName: "error_rate_pct", ThresholdValue: 5, Severity: store.SeverityMedium, Description: "Error rate percentage threshold"},
		{MetricName: "total_cost_usd", ThresholdValue: 100, Severity: store.SeverityLow, Description: "Daily cost threshold"},
		{MetricName: "requests_per_minute", ThresholdValue: 100, Severity: store.SeverityMedium, Description: "Request rate threshold"},
	}
	for i := range thresholds {
		thresholds[i].Enabled = true
		if _, err := s.InsertThreshold(ctx, &thresholds[i]); err != nil {
			return fmt.Errorf("seed threshold %s: %w", thresholds[i].MetricName, err)
		}
	}
	fmt.Fprintf(out, "created %d thresholds\n", len(thresholds))

	for i := 0; i < counts.Alerts; i++ {
		if _, err := s.InsertAlert(ctx, randomAlert(rng, now)); err != nil {
			return fmt.Errorf("seed alert %d: %w", i+1, err)
		}
	}
	fmt.Fprintf(out, "created %d alerts\n", counts.Alerts)
	return nil
}

func randomTrace(rng *rand.Rand, now time.Time) *store.Trace {
	pick := seedModels[rng.Intn(len(seedModels))]
	tokens := int64(50 + rng.Intn(3950))
	inputTokens := int64(10) + rng.Int63n(tokens/2)
	outputTokens := tokens - inputTokens
	status := store.StatusSuccess
	errorMessage := ""
	if rng.Intn(5) == 0 {
		status = store.StatusFailure
		errorMessage = "API rate limit exceeded"
	}
	temperature := 0.1 + rng.Float64()*0.9
	maxTokens := int64(100 + rng.Intn(1900))
	metadata, _ := json.Marshal(map[string]string{
		"conversation_id": fmt.Sprintf("conv_%d", 1000+rng.Intn(9000)),
	})

	// Models without a pricing table entry get a synthetic rate.
	cost := ingest.EstimateCost(pick.model, int(inputTokens), int(outputTokens))
	if cost == 0 {
		cost = float64(tokens) / 100000 * (0.1 + rng.Float64()*0.5)
	}

	return &store.Trace{
		Model:            pick.model,
		Provider:         pick.provider,
		LatencyMS:        float64(200 + rng.Intn(14800)),
		Tokens:           tokens,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
		CostUSD:          cost,
		Status:           status,
		ErrorMessage:     errorMessage,
		RequestID:        fmt.Sprintf("req_%d", 100000+rng.Intn(900000)),
		UserID:           fmt.Sprintf("user_%d", 1+rng.Intn(50)),
		Endpoint:         "/v1/chat/completions",
		Temperature:      &temperature,
		MaxTokens:        &maxTokens,
		Metadata:         metadata,
		CreatedAt:        recentTime(rng, now, 7*24*time.Hour),
	}
}

func seedSession(ctx context.Context, s store.RecordStore, rng *rand.Rand, now time.Time) (int, error) {
	startedAt := recentTime(rng, now, 7*24*time.Hour)
	status := []string{store.SessionCompleted, store.SessionRunning, store.SessionFailed}[rng.Intn(3)]
	session := &store.Session{
		Title:     seedSessionTitles[rng.Intn(len(seedSessionTitles))],
		UserID:    fmt.Sprintf("user_%d", 1+rng.Intn(50)),
		Status:    status,
		StartedAt: startedAt,
	}
	if status != store.SessionRunning {
		endedAt := startedAt.Add(time.Duration(1+rng.Intn(30)) * time.Minute)
		session.EndedAt = &endedAt
	}
	if _, err := s.InsertSession(ctx, session); err != nil {
		return 0, err
	}

	rootPick := seedModels[rng.Intn(len(seedModels))]
	root := &store.Span{
		SessionID:    session.ID,
		SpanType:     store.SpanTypeAgent,
		Name:         "MainAgent",
		Status:       store.StatusSuccess,
		LatencyMS:    float64(2000 + rng.Intn(6000)),
		Prompt:       "You are a helpful AI assistant. Please help the user with their request.",
		Output:       "I'll help you with that request. Let me process this step by step.",
		CreatedAt:    startedAt,
		StartedAt:    startedAt,
		TokensUsed:   int64(100 + rng.Intn(400)),
		CostUSD:      0.001 + rng.Float64()*0.009,
		ModelUsed:    rootPick.model,
		ProviderUsed: rootPick.provider,
		TraceRef:     fmt.Sprintf("trace_%d", 10000+rng.Intn(90000)),
	}
	if rng.Intn(10) == 0 {
		root.Status = store.StatusFailure
	}
	if _, err := s.InsertSpan(ctx, root); err != nil {
		return 0, err
	}

	children := 2 + rng.Intn(4)
	for j := 0; j < children; j++ {
		spanType := seedSpanTypes[rng.Intn(len(seedSpanTypes))]
		child := &store.Span{
			SessionID:  session.ID,
			ParentID:   &root.ID,
			SpanType:   spanType,
			Name:       fmt.Sprintf("%s_%d", spanType, j+1),
			Status:     store.StatusSuccess,
			LatencyMS:  float64(100 + rng.Intn(2900)),
			CreatedAt:  startedAt.Add(time.Duration(1+j) * time.Second),
			StartedAt:  startedAt.Add(time.Duration(1+j) * time.Second),
			TokensUsed: int64(20 + rng.Intn(180)),
			CostUSD:    0.0001 + rng.Float64()*0.0049,
		}
		if rng.Intn(7) == 0 {
			child.Status = store.StatusFailure
			child.Error = fmt.Sprintf("failed to execute %s", spanType)
		}
		if spanType == store.SpanTypeLLMCall {
			pick := seedModels[rng.Intn(len(seedModels))]
			child.ModelUsed = pick.model
			child.ProviderUsed = pick.provider
		}
		if spanType == store.SpanTypeTool {
			child.ToolCalls, _ = json.Marshal(map[string]any{
				"tool_name": fmt.Sprintf("tool_%d", j+1),
				"result":    "ok",
			})
		}
		if spanType == store.SpanTypeReasoning {
			child.ReasoningSteps, _ = json.Marshal([]string{
				"analyze requirements",
				"execute plan",
				"validate results",
			})
		}
		if _, err := s.InsertSpan(ctx, child); err != nil {
			return 0, err
		}
	}
	return children + 1, nil
}

func randomAlert(rng *rand.Rand, now time.Time) *store.Alert {
	templates := []struct {
		title       string
		alertType   string
		description string
	}{
		{"High latency detected", "latency", "Average latency has exceeded threshold"},
		{"Error rate spike", "error_rate", "Error rate has increased significantly"},
		{"Cost threshold exceeded", "cost", "Daily cost limit has been reached"},
		{"Token usage spike", "token_usage", "Token consumption has increased unexpectedly"},
	}
	severities := []string{store.SeverityLow, store.SeverityMedium, store.SeverityHigh, store.SeverityCritical}
	metricNames := []string{"avg_latency_ms", "error_rate_pct", "total_cost_usd"}

	template := templates[rng.Intn(len(templates))]
	createdAt := recentTime(rng, now, 48*time.Hour)
	alert := &store.Alert{
		Severity:    severities[rng.Intn(len(severities))],
		Title:       template.title,
		Description: template.description,
		Metric:      1000 + rng.Float64()*19000,
		Threshold:   500 + rng.Float64()*14500,
		AlertType:   template.alertType,
		MetricName:  metricNames[rng.Intn(len(metricNames))],
		CreatedAt:   createdAt,
	}
	if rng.Intn(10) > 3 {
		ackedAt := createdAt.Add(time.Duration(5+rng.Intn(55)) * time.Minute)
		alert.Acknowledged = true
		alert.AcknowledgedAt = &ackedAt
		alert.AcknowledgedBy = fmt.Sprintf("user_%d", 1+rng.Intn(10))
	}
	if rng.Intn(2) == 0 {
		resolvedAt := createdAt.Add(time.Duration(1+rng.Intn(23)) * time.Hour)
		alert.ResolvedAt = &resolvedAt
	}
	return alert
}

// recentTime picks a uniformly random instant inside the trailing window.
func recentTime(rng *rand.Rand, now time.Time, window time.Duration) time.Time {
	return now.Add(-time.Duration(rng.Int63n(int64(window))))
}
