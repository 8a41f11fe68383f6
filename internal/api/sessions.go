package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tracelens/tracelens/internal/store"
	"github.com/tracelens/tracelens/internal/workflow"
)

type sessionOut struct {
	ID             int64           `json:"id"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at"`
	UserID         *string         `json:"user_id"`
	Title          *string         `json:"title"`
	Status         string          `json:"status"`
	TotalLatencyMS float64         `json:"total_latency_ms"`
	TotalTokens    int64           `json:"total_tokens"`
	TotalCostUSD   float64         `json:"total_cost_usd"`
	ErrorMessage   *string         `json:"error_message"`
	Metadata       json.RawMessage `json:"metadata"`
}

type sessionRequest struct {
	UserID         string          `json:"user_id"`
	Title          string          `json:"title"`
	Status         string          `json:"status"`
	EndedAt        *time.Time      `json:"ended_at"`
	TotalLatencyMS float64         `json:"total_latency_ms"`
	TotalTokens    int64           `json:"total_tokens"`
	TotalCostUSD   float64         `json:"total_cost_usd"`
	ErrorMessage   string          `json:"error_message"`
	Metadata       json.RawMessage `json:"metadata"`
}

func (req *sessionRequest) validate() string {
	if req.Status != "" && !store.ValidSessionStatus(req.Status) {
		return "status must be running, completed, or failed"
	}
	if req.TotalLatencyMS < 0 || req.TotalTokens < 0 || req.TotalCostUSD < 0 {
		return "session totals must not be negative"
	}
	return ""
}

type spanOut struct {
	ID             int64           `json:"id"`
	SessionID      int64           `json:"session_id"`
	ParentID       *int64          `json:"parent_id"`
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
}

type createSpanRequest struct {
	SessionID      int64           `json:"session_id"`
	ParentID       *int64          `json:"parent_id"`
	SpanType       string          `json:"span_type"`
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	LatencyMS      float64         `json:"latency_ms"`
	Prompt         string          `json:"prompt"`
	Output         string          `json:"output"`
	Error          string          `json:"error"`
	StartedAt      *time.Time      `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at"`
	TokensUsed     int64           `json:"tokens_used"`
	CostUSD        float64         `json:"cost_usd"`
	ModelUsed      string          `json:"model_used"`
	ProviderUsed   string          `json:"provider_used"`
	ToolCalls      json.RawMessage `json:"tool_calls"`
	ReasoningSteps json.RawMessage `json:"reasoning_steps"`
	Metadata       json.RawMessage `json:"metadata"`
	TraceID        string          `json:"trace_id"`
}

func (req *createSpanRequest) validate() string {
	if req.SessionID <= 0 {
		return "session_id is required"
	}
	if !store.ValidSpanType(req.SpanType) {
		return "span_type must be agent, tool, reasoning, or llm_call"
	}
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	if req.Status != "" && !store.ValidTraceStatus(req.Status) {
		return "status must be success or failure"
	}
	if req.LatencyMS < 0 || req.TokensUsed < 0 || req.CostUSD < 0 {
		return "latency_ms, tokens_used, and cost_usd must not be negative"
	}
	return ""
}

// SessionsHandler lists sessions and starts new ones.
func SessionsHandler(s store.RecordStore, ingested func(string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleListSessions(w, r, s)
		case http.MethodPost:
			handleCreateSession(w, r, s, ingested)
		default:
			requireMethod(w, r, http.MethodGet, http.MethodPost)
		}
	})
}

func handleListSessions(w http.ResponseWriter, r *http.Request, s store.RecordStore) {
	limit, offset, err := parsePageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := r.URL.Query()
	status := strings.TrimSpace(query.Get("status"))
	if status != "" && !store.ValidSessionStatus(status) {
		writeError(w, http.StatusBadRequest, "status must be running, completed, or failed")
		return
	}

	items, err := s.QuerySessions(r.Context(), store.SessionFilter{
		Status: status,
		UserID: strings.TrimSpace(query.Get("user_id")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeStoreError(w, err, "failed to query sessions")
		return
	}

	out := make([]sessionOut, 0, len(items))
	for _, item := range items {
		out = append(out, sessionToOut(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func handleCreateSession(w http.ResponseWriter, r *http.Request, s store.RecordStore, ingested func(string)) {
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if message := req.validate(); message != "" {
		writeError(w, http.StatusBadRequest, message)
		return
	}

	item := &store.Session{
		UserID:   strings.TrimSpace(req.UserID),
		Title:    strings.TrimSpace(req.Title),
		Status:   req.Status,
		Metadata: req.Metadata,
	}
	if _, err := s.InsertSession(r.Context(), item); err != nil {
		writeStoreError(w, err, "failed to store session")
		return
	}
	if ingested != nil {
		ingested("session")
	}
	writeJSON(w, http.StatusCreated, sessionToOut(item))
}

// SessionsSummaryHandler aggregates recent sessions.
func SessionsSummaryHandler(analyzer *workflow.Analyzer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		hours, err := parseIntQuery(r.URL.Query().Get("hours"), "hours", 1, 24*365)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		summary, err := analyzer.SessionsSummary(r.Context(), hours)
		if err != nil {
			writeStoreError(w, err, "failed to summarize sessions")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})
}

// SessionDetailHandler serves one session and its subresources: spans,
// spans/tree, analysis, and trace (the timeline).
func SessionDetailHandler(s store.RecordStore, analyzer *workflow.Analyzer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, action, ok := parseIDPath(r.URL.Path, "/api/agents/sessions/")
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch action {
		case "":
			handleSessionByID(w, r, s, id)
		case "spans":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			handleSessionSpans(w, r, s, id)
		case "spans/tree":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			handleSessionSpanTree(w, r, s, id)
		case "analysis":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			analysis, err := analyzer.AnalyzeSession(r.Context(), id)
			if err != nil {
				writeStoreError(w, err, "session not found")
				return
			}
			writeJSON(w, http.StatusOK, analysis)
		case "trace":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			timeline, err := analyzer.SessionTimeline(r.Context(), id)
			if err != nil {
				writeStoreError(w, err, "session not found")
				return
			}
			writeJSON(w, http.StatusOK, timeline)
		default:
			http.NotFound(w, r)
		}
	})
}

func handleSessionByID(w http.ResponseWriter, r *http.Request, s store.RecordStore, id int64) {
	switch r.Method {
	case http.MethodGet:
		item, err := s.GetSession(r.Context(), id)
		if err != nil {
			writeStoreError(w, err, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, sessionToOut(item))
	case http.MethodPut:
		var req sessionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if message := req.validate(); message != "" {
			writeError(w, http.StatusBadRequest, message)
			return
		}

		item, err := s.GetSession(r.Context(), id)
		if err != nil {
			writeStoreError(w, err, "session not found")
			return
		}
		item.UserID = strings.TrimSpace(req.UserID)
		item.Title = strings.TrimSpace(req.Title)
		if req.Status != "" {
			item.Status = req.Status
		}
		item.EndedAt = req.EndedAt
		item.TotalLatencyMS = req.TotalLatencyMS
		item.TotalTokens = req.TotalTokens
		item.TotalCostUSD = req.TotalCostUSD
		item.ErrorMessage = req.ErrorMessage
		item.Metadata = req.Metadata
		if err := s.UpdateSession(r.Context(), item); err != nil {
			writeStoreError(w, err, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, sessionToOut(item))
	case http.MethodDelete:
		if err := s.DeleteSession(r.Context(), id); err != nil {
			writeStoreError(w, err, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted"})
	default:
		requireMethod(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func handleSessionSpans(w http.ResponseWriter, r *http.Request, s store.RecordStore, id int64) {
	if _, err := s.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, err, "session not found")
		return
	}
	spans, err := s.SpansForSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "failed to load spans")
		return
	}
	out := make([]spanOut, 0, len(spans))
	for _, span := range spans {
		out = append(out, spanToOut(span))
	}
	writeJSON(w, http.StatusOK, out)
}

func handleSessionSpanTree(w http.ResponseWriter, r *http.Request, s store.RecordStore, id int64) {
	if _, err := s.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, err, "session not found")
		return
	}
	spans, err := s.SpansForSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "failed to load spans")
		return
	}
	writeJSON(w, http.StatusOK, workflow.BuildTree(spans))
}

// SpansHandler records one span of an agent session.
func SpansHandler(s store.RecordStore, ingested func(string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req createSpanRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if message := req.validate(); message != "" {
			writeError(w, http.StatusBadRequest, message)
			return
		}

		item := &store.Span{
			SessionID:      req.SessionID,
			ParentID:       req.ParentID,
			SpanType:       req.SpanType,
			Name:           strings.TrimSpace(req.Name),
			Status:         req.Status,
			LatencyMS:      req.LatencyMS,
			Prompt:         req.Prompt,
			Output:         req.Output,
			Error:          req.Error,
			EndedAt:        req.EndedAt,
			TokensUsed:     req.TokensUsed,
			CostUSD:        req.CostUSD,
			ModelUsed:      req.ModelUsed,
			ProviderUsed:   req.ProviderUsed,
			ToolCalls:      req.ToolCalls,
			ReasoningSteps: req.ReasoningSteps,
			Metadata:       req.Metadata,
			TraceRef:       strings.TrimSpace(req.TraceID),
		}
		if req.StartedAt != nil {
			item.StartedAt = *req.StartedAt
		}
		if _, err := s.InsertSpan(r.Context(), item); err != nil {
			writeStoreError(w, err, "session or parent span not found")
			return
		}
		if ingested != nil {
			ingested("span")
		}
		writeJSON(w, http.StatusCreated, spanToOut(item))
	})
}

func sessionToOut(item *store.Session) sessionOut {
	return sessionOut{
		ID:             item.ID,
		StartedAt:      item.StartedAt,
		EndedAt:        item.EndedAt,
		UserID:         optionalString(item.UserID),
		Title:          optionalString(item.Title),
		Status:         item.Status,
		TotalLatencyMS: item.TotalLatencyMS,
		TotalTokens:    item.TotalTokens,
		TotalCostUSD:   item.TotalCostUSD,
		ErrorMessage:   optionalString(item.ErrorMessage),
		Metadata:       item.Metadata,
	}
}

func spanToOut(item *store.Span) spanOut {
	return spanOut{
		ID:             item.ID,
		SessionID:      item.SessionID,
		ParentID:       item.ParentID,
		SpanType:       item.SpanType,
		Name:           item.Name,
		Status:         item.Status,
		LatencyMS:      item.LatencyMS,
		Prompt:         optionalString(item.Prompt),
		Output:         optionalString(item.Output),
		Error:          optionalString(item.Error),
		CreatedAt:      item.CreatedAt,
		StartedAt:      item.StartedAt,
		EndedAt:        item.EndedAt,
		TokensUsed:     item.TokensUsed,
		CostUSD:        item.CostUSD,
		ModelUsed:      optionalString(item.ModelUsed),
		ProviderUsed:   optionalString(item.ProviderUsed),
		ToolCalls:      item.ToolCalls,
		ReasoningSteps: item.ReasoningSteps,
		Metadata:       item.Metadata,
		TraceID:        optionalString(item.TraceRef),
	}
}
