package store

import (
	"encoding/json"
	"time"
)

// Trace statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Session statuses.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Span types.
const (
	SpanTypeAgent     = "agent"
	SpanTypeTool      = "tool"
	SpanTypeReasoning = "reasoning"
	SpanTypeLLMCall   = "llm_call"
)

// Alert severities.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Trace records one LLM API call.
type Trace struct {
	ID               int64
	Model            string
	Provider         string
	LatencyMS        float64
	Tokens           int64
	InputTokens      int64
	OutputTokens     int64
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	Status           string
	ErrorMessage     string
	RequestID        string
	UserID           string
	Endpoint         string
	Temperature      *float64
	MaxTokens        *int64
	Metadata         json.RawMessage
	SessionID        *int64
	SpanID           *int64
	CreatedAt        time.Time
}

// Session records one end-to-end agent run. The running totals are
// denormalized counters updated by callers, not derived from child spans.
type Session struct {
	ID             int64
	StartedAt      time.Time
	EndedAt        *time.Time
	UserID         string
	Title          string
	Status         string
	TotalLatencyMS float64
	TotalTokens    int64
	TotalCostUSD   float64
	ErrorMessage   string
	Metadata       json.RawMessage
}

// Span records one unit of work inside a session. ParentID, when set, must
// reference a span in the same session; the hierarchy is a forest.
type Span struct {
	ID             int64
	SessionID      int64
	ParentID       *int64
	SpanType       string
	Name           string
	Status         string
	LatencyMS      float64
	Prompt         string
	Output         string
	Error          string
	CreatedAt      time.Time
	StartedAt      time.Time
	EndedAt        *time.Time
	TokensUsed     int64
	CostUSD        float64
	ModelUsed      string
	ProviderUsed   string
	ToolCalls      json.RawMessage
	ReasoningSteps json.RawMessage
	Metadata       json.RawMessage
	TraceRef       string
}

// Alert is a raised condition. Session/span/trace references are id-only;
// deleting the referenced record does not touch the alert.
type Alert struct {
	ID             int64
	Severity       string
	Title          string
	Description    string
	Metric         float64
	Threshold      float64
	AlertType      string
	MetricName     string
	SessionID      *int64
	SpanID         *int64
	TraceID        *int64
	Acknowledged   bool
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	Metadata       json.RawMessage
}

// Threshold is a standing operator-defined alerting rule.
type Threshold struct {
	ID             int64
	MetricName     string
	ThresholdValue float64
	Severity       string
	Enabled        bool
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ValidTraceStatus reports whether s is a recognized trace/span status.
func ValidTraceStatus(s string) bool {
	return s == StatusSuccess || s == StatusFailure
}

// ValidSessionStatus reports whether s is a recognized session status.
func ValidSessionStatus(s string) bool {
	return s == SessionRunning || s == SessionCompleted || s == SessionFailed
}

// ValidSpanType reports whether s is a recognized span type.
func ValidSpanType(s string) bool {
	switch s {
	case SpanTypeAgent, SpanTypeTool, SpanTypeReasoning, SpanTypeLLMCall:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a recognized alert severity.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}
