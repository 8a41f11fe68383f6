// Package ingest converts go-openai request/response pairs into trace
// records ready for storage.
package ingest

import (
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tracelens/tracelens/internal/store"
)

type pricing struct {
	inputPer1K  float64
	outputPer1K float64
}

// modelPricing maps model identifiers to USD rates per 1K tokens. Models
// are matched exactly first, then by the longest prefix rule below.
var modelPricing = map[string]pricing{
	"gpt-4o":        {inputPer1K: 0.005, outputPer1K: 0.015},
	"gpt-4o-mini":   {inputPer1K: 0.00015, outputPer1K: 0.0006},
	"gpt-4-turbo":   {inputPer1K: 0.01, outputPer1K: 0.03},
	"gpt-4":         {inputPer1K: 0.03, outputPer1K: 0.06},
	"gpt-3.5-turbo": {inputPer1K: 0.0005, outputPer1K: 0.0015},
}

var prefixPricing = []struct {
	prefix string
	rates  pricing
}{
	{prefix: "gpt-4o-mini-", rates: pricing{inputPer1K: 0.00015, outputPer1K: 0.0006}},
	{prefix: "gpt-4o-", rates: pricing{inputPer1K: 0.005, outputPer1K: 0.015}},
	{prefix: "gpt-4-turbo-", rates: pricing{inputPer1K: 0.01, outputPer1K: 0.03}},
	{prefix: "gpt-4-", rates: pricing{inputPer1K: 0.03, outputPer1K: 0.06}},
	{prefix: "gpt-3.5-turbo-", rates: pricing{inputPer1K: 0.0005, outputPer1K: 0.0015}},
}

// EstimateCost returns the estimated USD cost of a completion. Unknown
// models cost zero rather than guessing a rate.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	rates, ok := pricingForModel(model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1000)*rates.inputPer1K + (float64(outputTokens)/1000)*rates.outputPer1K
}

func pricingForModel(model string) (pricing, bool) {
	model = strings.TrimSpace(model)
	if model == "" {
		return pricing{}, false
	}
	if rates, ok := modelPricing[model]; ok {
		return rates, true
	}
	for _, rule := range prefixPricing {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates, true
		}
	}
	return pricing{}, false
}

// Options carries optional trace fields that are not derivable from the
// request or response themselves.
type Options struct {
	SessionID *int64
	Metadata  []byte
}

// FromChatCompletion builds a trace record from one chat-completion
// exchange. When callErr is non-nil the trace is marked failed and carries
// the error text; the response is still consulted for whatever usage data
// it holds.
func FromChatCompletion(req openai.ChatCompletionRequest, resp openai.ChatCompletionResponse, latency time.Duration, callErr error, opts Options) *store.Trace {
	model := resp.Model
	if strings.TrimSpace(model) == "" {
		model = req.Model
	}

	trace := &store.Trace{
		Model:            model,
		Provider:         "openai",
		InputTokens:      int64(resp.Usage.PromptTokens),
		OutputTokens:     int64(resp.Usage.CompletionTokens),
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
		Tokens:           int64(resp.Usage.TotalTokens),
		LatencyMS:        float64(latency) / float64(time.Millisecond),
		Status:           store.StatusSuccess,
		SessionID:        opts.SessionID,
	}
	if trace.Tokens == 0 {
		trace.Tokens = trace.InputTokens + trace.OutputTokens
	}
	trace.CostUSD = EstimateCost(model, int(trace.InputTokens), int(trace.OutputTokens))

	if req.Temperature != 0 {
		temp := float64(req.Temperature)
		trace.Temperature = &temp
	}
	if req.MaxTokens != 0 {
		maxTokens := int64(req.MaxTokens)
		trace.MaxTokens = &maxTokens
	}
	if len(opts.Metadata) > 0 {
		trace.Metadata = opts.Metadata
	}

	if callErr != nil {
		trace.Status = store.StatusFailure
		trace.ErrorMessage = callErr.Error()
	}

	return trace
}
