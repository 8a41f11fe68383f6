package ingest

import (
	"errors"
	"math"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tracelens/tracelens/internal/store"
)

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		model        string
		inputTokens  int
		outputTokens int
		want         float64
	}{
		{name: "gpt-4o exact", model: "gpt-4o", inputTokens: 1000, outputTokens: 1000, want: 0.02},
		{name: "gpt-4o-mini exact", model: "gpt-4o-mini", inputTokens: 2000, outputTokens: 1000, want: 0.0009},
		{name: "dated snapshot via prefix", model: "gpt-4o-2024-08-06", inputTokens: 1000, outputTokens: 0, want: 0.005},
		{name: "mini snapshot prefers longer prefix", model: "gpt-4o-mini-2024-07-18", inputTokens: 1000, outputTokens: 0, want: 0.00015},
		{name: "unknown model is free", model: "unknown-model", inputTokens: 5000, outputTokens: 5000, want: 0},
		{name: "empty model", model: "", inputTokens: 100, outputTokens: 100, want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := EstimateCost(tc.model, tc.inputTokens, tc.outputTokens)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("EstimateCost(%q, %d, %d)=%v, want %v", tc.model, tc.inputTokens, tc.outputTokens, got, tc.want)
			}
		})
	}
}

func TestFromChatCompletionSuccess(t *testing.T) {
	t.Parallel()

	sessionID := int64(7)
	req := openai.ChatCompletionRequest{
		Model:       "gpt-4o",
		Temperature: 0.2,
		MaxTokens:   512,
	}
	resp := openai.ChatCompletionResponse{
		Model: "gpt-4o-2024-08-06",
		Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 80, TotalTokens: 200},
	}

	trace := FromChatCompletion(req, resp, 1500*time.Millisecond, nil, Options{
		SessionID: &sessionID,
		Metadata:  []byte(`{"run":"nightly"}`),
	})

	if trace.Model != "gpt-4o-2024-08-06" {
		t.Fatalf("Model=%q, want response model", trace.Model)
	}
	if trace.Provider != "openai" {
		t.Fatalf("Provider=%q, want openai", trace.Provider)
	}
	if trace.Status != store.StatusSuccess {
		t.Fatalf("Status=%q, want %q", trace.Status, store.StatusSuccess)
	}
	if trace.InputTokens != 120 || trace.OutputTokens != 80 || trace.Tokens != 200 {
		t.Fatalf("tokens=%d/%d/%d, want 120/80/200", trace.InputTokens, trace.OutputTokens, trace.Tokens)
	}
	if trace.LatencyMS != 1500 {
		t.Fatalf("LatencyMS=%v, want 1500", trace.LatencyMS)
	}
	wantCost := EstimateCost("gpt-4o-2024-08-06", 120, 80)
	if trace.CostUSD != wantCost {
		t.Fatalf("CostUSD=%v, want %v", trace.CostUSD, wantCost)
	}
	if trace.Temperature == nil || math.Abs(*trace.Temperature-0.2) > 1e-6 {
		t.Fatalf("Temperature=%v, want 0.2", trace.Temperature)
	}
	if trace.MaxTokens == nil || *trace.MaxTokens != 512 {
		t.Fatalf("MaxTokens=%v, want 512", trace.MaxTokens)
	}
	if trace.SessionID == nil || *trace.SessionID != 7 {
		t.Fatalf("SessionID=%v, want 7", trace.SessionID)
	}
	if string(trace.Metadata) != `{"run":"nightly"}` {
		t.Fatalf("Metadata=%q", trace.Metadata)
	}
}

func TestFromChatCompletionFailure(t *testing.T) {
	t.Parallel()

	req := openai.ChatCompletionRequest{Model: "gpt-4o-mini"}
	trace := FromChatCompletion(req, openai.ChatCompletionResponse{}, 250*time.Millisecond, errors.New("rate limited"), Options{})

	if trace.Status != store.StatusFailure {
		t.Fatalf("Status=%q, want %q", trace.Status, store.StatusFailure)
	}
	if trace.ErrorMessage != "rate limited" {
		t.Fatalf("ErrorMessage=%q, want %q", trace.ErrorMessage, "rate limited")
	}
	// Empty response model falls back to the request model.
	if trace.Model != "gpt-4o-mini" {
		t.Fatalf("Model=%q, want request model", trace.Model)
	}
	if trace.Tokens != 0 {
		t.Fatalf("Tokens=%d, want 0", trace.Tokens)
	}
}

func TestFromChatCompletionDerivesTotalTokens(t *testing.T) {
	t.Parallel()

	resp := openai.ChatCompletionResponse{
		Model: "gpt-4o",
		Usage: openai.Usage{PromptTokens: 30, CompletionTokens: 20},
	}
	trace := FromChatCompletion(openai.ChatCompletionRequest{Model: "gpt-4o"}, resp, time.Second, nil, Options{})

	if trace.Tokens != 50 {
		t.Fatalf("Tokens=%d, want 50", trace.Tokens)
	}
	if trace.Temperature != nil || trace.MaxTokens != nil {
		t.Fatal("unset request knobs must stay nil")
	}
}
