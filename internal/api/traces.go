package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

type traceOut struct {
	ID               int64           `json:"id"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	LatencyMS        float64         `json:"latency_ms"`
	Tokens           int64           `json:"tokens"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostUSD          float64         `json:"cost_usd"`
	Status           string          `json:"status"`
	ErrorMessage     *string         `json:"error_message"`
	RequestID        *string         `json:"request_id"`
	UserID           *string         `json:"user_id"`
	Endpoint         *string         `json:"endpoint"`
	Temperature      *float64        `json:"temperature"`
	MaxTokens        *int64          `json:"max_tokens"`
	Metadata         json.RawMessage `json:"metadata"`
	SessionID        *int64          `json:"session_id"`
	SpanID           *int64          `json:"span_id"`
	CreatedAt        time.Time       `json:"created_at"`
}

type createTraceRequest struct {
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	LatencyMS        float64         `json:"latency_ms"`
	Tokens           int64           `json:"tokens"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostUSD          float64         `json:"cost_usd"`
	Status           string          `json:"status"`
	ErrorMessage     string          `json:"error_message"`
	RequestID        string          `json:"request_id"`
	UserID           string          `json:"user_id"`
	Endpoint         string          `json:"endpoint"`
	Temperature      *float64        `json:"temperature"`
	MaxTokens        *int64          `json:"max_tokens"`
	Metadata         json.RawMessage `json:"metadata"`
	SessionID        *int64          `json:"session_id"`
	SpanID           *int64          `json:"span_id"`
}

func (req *createTraceRequest) validate() string {
	if strings.TrimSpace(req.Model) == "" {
		return "model is required"
	}
	if strings.TrimSpace(req.Provider) == "" {
		return "provider is required"
	}
	if req.Status != "" && !store.ValidTraceStatus(req.Status) {
		return "status must be success or failure"
	}
	if req.LatencyMS < 0 || req.CostUSD < 0 {
		return "latency_ms and cost_usd must not be negative"
	}
	if req.Tokens < 0 || req.InputTokens < 0 || req.OutputTokens < 0 ||
		req.PromptTokens < 0 || req.CompletionTokens < 0 {
		return "token counts must not be negative"
	}
	return ""
}

// TracesHandler lists traces and accepts new ones.
func TracesHandler(s store.RecordStore, ingested func(string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleListTraces(w, r, s)
		case http.MethodPost:
			handleCreateTrace(w, r, s, ingested)
		default:
			requireMethod(w, r, http.MethodGet, http.MethodPost)
		}
	})
}

func handleListTraces(w http.ResponseWriter, r *http.Request, s store.RecordStore) {
	limit, offset, err := parsePageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := r.URL.Query()
	status := strings.TrimSpace(query.Get("status"))
	if status != "" && !store.ValidTraceStatus(status) {
		writeError(w, http.StatusBadRequest, "status must be success or failure")
		return
	}

	items, err := s.QueryTraces(r.Context(), store.TraceFilter{
		Model:    strings.TrimSpace(query.Get("model")),
		Provider: strings.TrimSpace(query.Get("provider")),
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeStoreError(w, err, "failed to query traces")
		return
	}

	out := make([]traceOut, 0, len(items))
	for _, item := range items {
		out = append(out, traceToOut(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func handleCreateTrace(w http.ResponseWriter, r *http.Request, s store.RecordStore, ingested func(string)) {
	var req createTraceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if message := req.validate(); message != "" {
		writeError(w, http.StatusBadRequest, message)
		return
	}

	item := &store.Trace{
		Model:            strings.TrimSpace(req.Model),
		Provider:         strings.TrimSpace(req.Provider),
		LatencyMS:        req.LatencyMS,
		Tokens:           req.Tokens,
		InputTokens:      req.InputTokens,
		OutputTokens:     req.OutputTokens,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		CostUSD:          req.CostUSD,
		Status:           req.Status,
		ErrorMessage:     req.ErrorMessage,
		RequestID:        req.RequestID,
		UserID:           req.UserID,
		Endpoint:         req.Endpoint,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		Metadata:         req.Metadata,
		SessionID:        req.SessionID,
		SpanID:           req.SpanID,
	}
	if _, err := s.InsertTrace(r.Context(), item); err != nil {
		writeStoreError(w, err, "failed to store trace")
		return
	}
	if ingested != nil {
		ingested("trace")
	}
	writeJSON(w, http.StatusCreated, traceToOut(item))
}

// TraceDetailHandler serves one trace by id.
func TraceDetailHandler(s store.RecordStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		id, action, ok := parseIDPath(r.URL.Path, "/api/traces/")
		if !ok || action != "" {
			http.NotFound(w, r)
			return
		}

		item, err := s.GetTrace(r.Context(), id)
		if err != nil {
			writeStoreError(w, err, "trace not found")
			return
		}
		writeJSON(w, http.StatusOK, traceToOut(item))
	})
}

func traceToOut(item *store.Trace) traceOut {
	return traceOut{
		ID:               item.ID,
		Model:            item.Model,
		Provider:         item.Provider,
		LatencyMS:        item.LatencyMS,
		Tokens:           item.Tokens,
		InputTokens:      item.InputTokens,
		OutputTokens:     item.OutputTokens,
		PromptTokens:     item.PromptTokens,
		CompletionTokens: item.CompletionTokens,
		CostUSD:          item.CostUSD,
		Status:           item.Status,
		ErrorMessage:     optionalString(item.ErrorMessage),
		RequestID:        optionalString(item.RequestID),
		UserID:           optionalString(item.UserID),
		Endpoint:         optionalString(item.Endpoint),
		Temperature:      item.Temperature,
		MaxTokens:        item.MaxTokens,
		Metadata:         item.Metadata,
		SessionID:        item.SessionID,
		SpanID:           item.SpanID,
		CreatedAt:        item.CreatedAt,
	}
}

// optionalString renders empty strings as JSON null, matching the nullable
// columns they come from.
func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
