// Package workflow reconstructs agent sessions from their spans: the span
// hierarchy, failure and bottleneck analysis, and execution timelines.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

// TreeNode is one span in a session's reconstructed hierarchy. It carries
// every span attribute so tree consumers never need a second lookup.
type TreeNode struct {
	ID             int64           `json:"id"`
	ParentID       *int64          `json:"parent_id,omitempty"`
	SpanType       string          `json:"span_type"`
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	LatencyMS      float64         `json:"latency_ms"`
	Prompt         *string         `json:"prompt"`
	Output         *string         `json:"output"`
	Error          *string         `json:"error"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at"`
	TokensUsed     int64           `json:"tokens_used"`
	CostUSD        float64         `json:"cost_usd"`
	ModelUsed      *string         `json:"model_used"`
	ProviderUsed   *string         `json:"provider_used"`
	ToolCalls      json.RawMessage `json:"tool_calls"`
	ReasoningSteps json.RawMessage `json:"reasoning_steps"`
	Metadata       json.RawMessage `json:"metadata"`
	TraceID        *string         `json:"trace_id"`
	Children       []*TreeNode     `json:"children"`
}

// BuildTree assembles spans into a forest. Spans whose parent id is unset
// or references a span outside the input become roots, as does the span
// that closes a parent cycle. Children keep creation order. The input is
// not modified.
func BuildTree(spans []*store.Span) []*TreeNode {
	nodes := make(map[int64]*TreeNode, len(spans))
	for _, span := range spans {
		nodes[span.ID] = &TreeNode{
			ID:             span.ID,
			ParentID:       span.ParentID,
			SpanType:       span.SpanType,
			Name:           span.Name,
			Status:         span.Status,
			LatencyMS:      span.LatencyMS,
			Prompt:         nullableText(span.Prompt),
			Output:         nullableText(span.Output),
			Error:          nullableText(span.Error),
			CreatedAt:      span.CreatedAt,
			StartedAt:      span.StartedAt,
			EndedAt:        span.EndedAt,
			TokensUsed:     span.TokensUsed,
			CostUSD:        span.CostUSD,
			ModelUsed:      nullableText(span.ModelUsed),
			ProviderUsed:   nullableText(span.ProviderUsed),
			ToolCalls:      span.ToolCalls,
			ReasoningSteps: span.ReasoningSteps,
			Metadata:       span.Metadata,
			TraceID:        nullableText(span.TraceRef),
			Children:       make([]*TreeNode, 0),
		}
	}

	byID := make(map[int64]*store.Span, len(spans))
	for _, span := range spans {
		byID[span.ID] = span
	}

	roots := make([]*TreeNode, 0)
	for _, span := range spans {
		node := nodes[span.ID]
		parent := resolveParent(span, byID, nodes)
		if parent == nil {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots
}

// nullableText maps an empty column to JSON null.
func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// resolveParent returns the node to attach span under, or nil when the
// span should be a root. Walking the ancestor chain with a seen set keeps
// malformed parent cycles from looping; a chain that leads back to the
// span itself promotes the span to a root, which breaks the cycle.
func resolveParent(span *store.Span, byID map[int64]*store.Span, nodes map[int64]*TreeNode) *TreeNode {
	if span.ParentID == nil {
		return nil
	}
	parent, ok := nodes[*span.ParentID]
	if !ok {
		return nil
	}

	seen := map[int64]bool{span.ID: true}
	for cursor := span.ParentID; cursor != nil; {
		ancestor, ok := byID[*cursor]
		if !ok {
			break
		}
		if ancestor.ID == span.ID {
			return nil
		}
		if seen[ancestor.ID] {
			// A cycle above this span, not through it. The cycle members
			// promote themselves; this span attaches normally.
			break
		}
		seen[ancestor.ID] = true
		cursor = ancestor.ParentID
	}
	return parent
}
