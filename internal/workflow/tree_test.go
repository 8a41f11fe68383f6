package workflow

import (
	"testing"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

func spanWithParent(id int64, parent *int64, name string) *store.Span {
	return &store.Span{
		ID:        id,
		SessionID: 1,
		ParentID:  parent,
		SpanType:  store.SpanTypeAgent,
		Name:      name,
		Status:    store.StatusSuccess,
		StartedAt: time.Date(2026, 3, 1, 9, 0, int(id), 0, time.UTC),
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestBuildTreeEmpty(t *testing.T) {
	t.Parallel()

	roots := BuildTree(nil)
	if len(roots) != 0 {
		t.Fatalf("BuildTree(nil) = %v, want empty forest", roots)
	}
}

func TestBuildTreeTwoRootsWithChildren(t *testing.T) {
	t.Parallel()

	spans := []*store.Span{
		spanWithParent(1, nil, "plan"),
		spanWithParent(2, int64Ptr(1), "search"),
		spanWithParent(3, int64Ptr(1), "summarize"),
		spanWithParent(4, nil, "review"),
		spanWithParent(5, int64Ptr(4), "approve"),
	}

	roots := BuildTree(spans)
	if len(roots) != 2 {
		t.Fatalf("BuildTree() produced %d roots, want 2", len(roots))
	}
	if roots[0].ID != 1 || roots[1].ID != 4 {
		t.Fatalf("BuildTree() roots = %d, %d, want creation order 1, 4", roots[0].ID, roots[1].ID)
	}
	if len(roots[0].Children) != 2 || roots[0].Children[0].ID != 2 || roots[0].Children[1].ID != 3 {
		t.Fatalf("BuildTree() first root children = %+v, want [2 3] in creation order", roots[0].Children)
	}
	if len(roots[1].Children) != 1 || roots[1].Children[0].ID != 5 {
		t.Fatalf("BuildTree() second root children = %+v, want [5]", roots[1].Children)
	}
}

func TestBuildTreeDanglingParentBecomesRoot(t *testing.T) {
	t.Parallel()

	spans := []*store.Span{
		spanWithParent(1, nil, "root"),
		spanWithParent(2, int64Ptr(99), "orphan"),
	}

	roots := BuildTree(spans)
	if len(roots) != 2 {
		t.Fatalf("BuildTree() produced %d roots, want dangling parent promoted", len(roots))
	}
	if roots[1].ID != 2 {
		t.Fatalf("BuildTree() second root = %d, want orphan span 2", roots[1].ID)
	}
}

func TestBuildTreeCycleTerminates(t *testing.T) {
	t.Parallel()

	// 1 and 2 reference each other; 3 hangs off the cycle.
	spans := []*store.Span{
		spanWithParent(1, int64Ptr(2), "a"),
		spanWithParent(2, int64Ptr(1), "b"),
		spanWithParent(3, int64Ptr(1), "c"),
	}

	done := make(chan []*TreeNode, 1)
	go func() { done <- BuildTree(spans) }()

	var roots []*TreeNode
	select {
	case roots = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BuildTree() did not terminate on a parent cycle")
	}

	total := 0
	var walk func(nodes []*TreeNode)
	walk = func(nodes []*TreeNode) {
		for _, node := range nodes {
			total++
			walk(node.Children)
		}
	}
	walk(roots)
	if total != 3 {
		t.Fatalf("BuildTree() forest holds %d spans, want all 3 reachable", total)
	}
	if len(roots) == 0 {
		t.Fatal("BuildTree() produced no roots from a cycle")
	}
}

func TestBuildTreeCarriesAllSpanAttributes(t *testing.T) {
	t.Parallel()

	ended := time.Date(2026, 3, 1, 9, 0, 5, 0, time.UTC)
	span := spanWithParent(1, nil, "call_model")
	span.SpanType = store.SpanTypeLLMCall
	span.Prompt = "summarize the incident"
	span.Output = "three services degraded"
	span.Error = "context deadline exceeded"
	span.EndedAt = &ended
	span.TokensUsed = 120
	span.CostUSD = 0.004
	span.ModelUsed = "gpt-4o"
	span.ProviderUsed = "openai"
	span.ToolCalls = []byte(`[{"tool":"web_search"}]`)
	span.ReasoningSteps = []byte(`["check dashboards"]`)
	span.Metadata = []byte(`{"attempt":2}`)
	span.TraceRef = "trace_77"
	span.CreatedAt = span.StartedAt

	roots := BuildTree([]*store.Span{span})
	if len(roots) != 1 {
		t.Fatalf("BuildTree() produced %d roots, want 1", len(roots))
	}

	node := roots[0]
	if node.Prompt == nil || *node.Prompt != span.Prompt {
		t.Fatalf("node.Prompt = %v, want %q", node.Prompt, span.Prompt)
	}
	if node.Output == nil || *node.Output != span.Output {
		t.Fatalf("node.Output = %v, want %q", node.Output, span.Output)
	}
	if node.Error == nil || *node.Error != span.Error {
		t.Fatalf("node.Error = %v, want %q", node.Error, span.Error)
	}
	if node.ModelUsed == nil || *node.ModelUsed != "gpt-4o" {
		t.Fatalf("node.ModelUsed = %v, want gpt-4o", node.ModelUsed)
	}
	if node.ProviderUsed == nil || *node.ProviderUsed != "openai" {
		t.Fatalf("node.ProviderUsed = %v, want openai", node.ProviderUsed)
	}
	if node.TraceID == nil || *node.TraceID != "trace_77" {
		t.Fatalf("node.TraceID = %v, want trace_77", node.TraceID)
	}
	if string(node.ToolCalls) != string(span.ToolCalls) {
		t.Fatalf("node.ToolCalls = %s, want %s", node.ToolCalls, span.ToolCalls)
	}
	if string(node.ReasoningSteps) != string(span.ReasoningSteps) {
		t.Fatalf("node.ReasoningSteps = %s, want %s", node.ReasoningSteps, span.ReasoningSteps)
	}
	if string(node.Metadata) != string(span.Metadata) {
		t.Fatalf("node.Metadata = %s, want %s", node.Metadata, span.Metadata)
	}
	if !node.CreatedAt.Equal(span.CreatedAt) {
		t.Fatalf("node.CreatedAt = %v, want %v", node.CreatedAt, span.CreatedAt)
	}
	if node.EndedAt == nil || !node.EndedAt.Equal(ended) {
		t.Fatalf("node.EndedAt = %v, want %v", node.EndedAt, ended)
	}

	// Blank optional columns stay null rather than empty strings.
	bare := BuildTree([]*store.Span{spanWithParent(2, nil, "plain")})
	if bare[0].Prompt != nil || bare[0].Error != nil || bare[0].TraceID != nil {
		t.Fatalf("blank columns serialized non-null: %+v", bare[0])
	}
}

func TestBuildTreeIsIdempotent(t *testing.T) {
	t.Parallel()

	spans := []*store.Span{
		spanWithParent(1, nil, "root"),
		spanWithParent(2, int64Ptr(1), "child"),
	}

	first := BuildTree(spans)
	second := BuildTree(spans)

	if len(first) != len(second) || first[0].ID != second[0].ID {
		t.Fatal("BuildTree() not deterministic across calls")
	}
	if len(first[0].Children) != 1 || len(second[0].Children) != 1 {
		t.Fatalf("BuildTree() children drifted across calls: %d vs %d",
			len(first[0].Children), len(second[0].Children))
	}
	if spans[0].ParentID != nil || *spans[1].ParentID != 1 {
		t.Fatal("BuildTree() mutated its input")
	}
}
