package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tracelens/tracelens/internal/alerting"
	"github.com/tracelens/tracelens/internal/store"
)

type alertOut struct {
	ID             int64           `json:"id"`
	Severity       string          `json:"severity"`
	Title          string          `json:"title"`
	Description    *string         `json:"description"`
	Metric         float64         `json:"metric_value"`
	Threshold      float64         `json:"threshold_value"`
	AlertType      *string         `json:"alert_type"`
	MetricName     *string         `json:"metric_name"`
	SessionID      *int64          `json:"session_id"`
	SpanID         *int64          `json:"span_id"`
	TraceID        *int64          `json:"trace_id"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at"`
	AcknowledgedBy *string         `json:"acknowledged_by"`
	ResolvedAt     *time.Time      `json:"resolved_at"`
	CreatedAt      time.Time       `json:"created_at"`
	Metadata       json.RawMessage `json:"metadata"`
}

type createAlertRequest struct {
	Severity    string          `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Metric      float64         `json:"metric_value"`
	Threshold   float64         `json:"threshold_value"`
	AlertType   string          `json:"alert_type"`
	MetricName  string          `json:"metric_name"`
	SessionID   *int64          `json:"session_id"`
	SpanID      *int64          `json:"span_id"`
	TraceID     *int64          `json:"trace_id"`
	Metadata    json.RawMessage `json:"metadata"`
}

func (req *createAlertRequest) validate() string {
	if !store.ValidSeverity(req.Severity) {
		return "severity must be LOW, MEDIUM, HIGH, or CRITICAL"
	}
	if strings.TrimSpace(req.Title) == "" {
		return "title is required"
	}
	return ""
}

type thresholdOut struct {
	ID             int64     `json:"id"`
	MetricName     string    `json:"metric_name"`
	ThresholdValue float64   `json:"threshold_value"`
	Severity       string    `json:"severity"`
	Enabled        bool      `json:"enabled"`
	Description    *string   `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type thresholdRequest struct {
	MetricName     string   `json:"metric_name"`
	ThresholdValue *float64 `json:"threshold_value"`
	Severity       string   `json:"severity"`
	Enabled        *bool    `json:"enabled"`
	Description    string   `json:"description"`
}

func (req *thresholdRequest) validate() string {
	if !alerting.ValidMetricName(req.MetricName) {
		return "metric_name must be avg_latency_ms, error_rate_pct, total_cost_usd, or requests_per_minute"
	}
	if req.ThresholdValue == nil {
		return "threshold_value is required"
	}
	if !store.ValidSeverity(req.Severity) {
		return "severity must be LOW, MEDIUM, HIGH, or CRITICAL"
	}
	return ""
}

// AlertsHandler lists alerts and raises manual ones. Manually raised
// alerts go through the same fan-out as threshold alerts.
func AlertsHandler(s store.RecordStore, fanout alerting.Broadcaster) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleListAlerts(w, r, s)
		case http.MethodPost:
			handleCreateAlert(w, r, s, fanout)
		default:
			requireMethod(w, r, http.MethodGet, http.MethodPost)
		}
	})
}

func handleListAlerts(w http.ResponseWriter, r *http.Request, s store.RecordStore) {
	limit, offset, err := parsePageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := r.URL.Query()
	severity := strings.TrimSpace(query.Get("severity"))
	if severity != "" && !store.ValidSeverity(severity) {
		writeError(w, http.StatusBadRequest, "severity must be LOW, MEDIUM, HIGH, or CRITICAL")
		return
	}
	acknowledged, err := parseBoolQuery(query.Get("acknowledged"), "acknowledged")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.QueryAlerts(r.Context(), store.AlertFilter{
		Severity:     severity,
		AlertType:    strings.TrimSpace(query.Get("alert_type")),
		Acknowledged: acknowledged,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		writeStoreError(w, err, "failed to query alerts")
		return
	}

	out := make([]alertOut, 0, len(items))
	for _, item := range items {
		out = append(out, alertToOut(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func handleCreateAlert(w http.ResponseWriter, r *http.Request, s store.RecordStore, fanout alerting.Broadcaster) {
	var req createAlertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if message := req.validate(); message != "" {
		writeError(w, http.StatusBadRequest, message)
		return
	}

	item := &store.Alert{
		Severity:    req.Severity,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Metric:      req.Metric,
		Threshold:   req.Threshold,
		AlertType:   strings.TrimSpace(req.AlertType),
		MetricName:  strings.TrimSpace(req.MetricName),
		SessionID:   req.SessionID,
		SpanID:      req.SpanID,
		TraceID:     req.TraceID,
		Metadata:    req.Metadata,
	}
	if _, err := s.InsertAlert(r.Context(), item); err != nil {
		writeStoreError(w, err, "failed to store alert")
		return
	}
	if fanout != nil {
		fanout.BroadcastAlert(item)
	}
	writeJSON(w, http.StatusCreated, alertToOut(item))
}

// AlertDetailHandler serves one alert and its ack/resolve actions.
func AlertDetailHandler(s store.RecordStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, action, ok := parseIDPath(r.URL.Path, "/api/alerts/")
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch action {
		case "":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			item, err := s.GetAlert(r.Context(), id)
			if err != nil {
				writeStoreError(w, err, "alert not found")
				return
			}
			writeJSON(w, http.StatusOK, alertToOut(item))
		case "ack":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			handleAcknowledgeAlert(w, r, s, id)
		case "resolve":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			handleResolveAlert(w, r, s, id)
		default:
			http.NotFound(w, r)
		}
	})
}

func handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request, s store.RecordStore, id int64) {
	item, err := s.GetAlert(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "alert not found")
		return
	}
	now := time.Now().UTC()
	item.Acknowledged = true
	item.AcknowledgedAt = &now
	item.AcknowledgedBy = strings.TrimSpace(r.URL.Query().Get("acknowledged_by"))
	if err := s.UpdateAlert(r.Context(), item); err != nil {
		writeStoreError(w, err, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alertToOut(item))
}

func handleResolveAlert(w http.ResponseWriter, r *http.Request, s store.RecordStore, id int64) {
	item, err := s.GetAlert(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "alert not found")
		return
	}
	// Resolution is independent of acknowledgment; a resolved alert can
	// still sit unacknowledged.
	now := time.Now().UTC()
	item.ResolvedAt = &now
	if err := s.UpdateAlert(r.Context(), item); err != nil {
		writeStoreError(w, err, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alertToOut(item))
}

type severityCountOut struct {
	Severity       string `json:"severity"`
	Total          int64  `json:"total"`
	Unacknowledged int64  `json:"unacknowledged"`
}

type alertsSummaryOut struct {
	BySeverity     []severityCountOut `json:"by_severity"`
	Total          int64              `json:"total_alerts"`
	Unacknowledged int64              `json:"unacknowledged_alerts"`
}

// AlertsSummaryHandler counts alerts grouped by severity.
func AlertsSummaryHandler(s store.RecordStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		counts, err := s.AlertSeverityCounts(r.Context())
		if err != nil {
			writeStoreError(w, err, "failed to summarize alerts")
			return
		}

		summary := alertsSummaryOut{BySeverity: make([]severityCountOut, 0, len(counts))}
		for _, c := range counts {
			summary.BySeverity = append(summary.BySeverity, severityCountOut(c))
			summary.Total += c.Total
			summary.Unacknowledged += c.Unacknowledged
		}
		writeJSON(w, http.StatusOK, summary)
	})
}

// CheckThresholdsHandler runs one on-demand evaluation pass.
func CheckThresholdsHandler(evaluator *alerting.Evaluator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		result, err := evaluator.CheckThresholds(r.Context())
		if err != nil {
			writeStoreError(w, err, "threshold evaluation failed")
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

// ThresholdsHandler lists thresholds and defines new ones.
func ThresholdsHandler(s store.RecordStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			items, err := s.ListThresholds(r.Context(), false)
			if err != nil {
				writeStoreError(w, err, "failed to list thresholds")
				return
			}
			out := make([]thresholdOut, 0, len(items))
			for _, item := range items {
				out = append(out, thresholdToOut(item))
			}
			writeJSON(w, http.StatusOK, out)
		case http.MethodPost:
			handleCreateThreshold(w, r, s)
		default:
			requireMethod(w, r, http.MethodGet, http.MethodPost)
		}
	})
}

func handleCreateThreshold(w http.ResponseWriter, r *http.Request, s store.RecordStore) {
	var req thresholdRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if message := req.validate(); message != "" {
		writeError(w, http.StatusBadRequest, message)
		return
	}

	item := &store.Threshold{
		MetricName:     req.MetricName,
		ThresholdValue: *req.ThresholdValue,
		Severity:       req.Severity,
		Enabled:        true,
		Description:    req.Description,
	}
	if req.Enabled != nil {
		item.Enabled = *req.Enabled
	}
	if _, err := s.InsertThreshold(r.Context(), item); err != nil {
		writeStoreError(w, err, "failed to store threshold")
		return
	}
	writeJSON(w, http.StatusCreated, thresholdToOut(item))
}

// ThresholdDetailHandler updates or removes one threshold.
func ThresholdDetailHandler(s store.RecordStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, action, ok := parseIDPath(r.URL.Path, "/api/alerts/thresholds/")
		if !ok || action != "" {
			http.NotFound(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet:
			item, err := s.GetThreshold(r.Context(), id)
			if err != nil {
				writeStoreError(w, err, "threshold not found")
				return
			}
			writeJSON(w, http.StatusOK, thresholdToOut(item))
		case http.MethodPut:
			var req thresholdRequest
			if !decodeBody(w, r, &req) {
				return
			}
			if message := req.validate(); message != "" {
				writeError(w, http.StatusBadRequest, message)
				return
			}

			item, err := s.GetThreshold(r.Context(), id)
			if err != nil {
				writeStoreError(w, err, "threshold not found")
				return
			}
			item.MetricName = req.MetricName
			item.ThresholdValue = *req.ThresholdValue
			item.Severity = req.Severity
			if req.Enabled != nil {
				item.Enabled = *req.Enabled
			}
			item.Description = req.Description
			if err := s.UpdateThreshold(r.Context(), item); err != nil {
				writeStoreError(w, err, "threshold not found")
				return
			}
			writeJSON(w, http.StatusOK, thresholdToOut(item))
		case http.MethodDelete:
			if err := s.DeleteThreshold(r.Context(), id); err != nil {
				writeStoreError(w, err, "threshold not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"message": "Threshold deleted"})
		default:
			requireMethod(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
	})
}

func alertToOut(item *store.Alert) alertOut {
	return alertOut{
		ID:             item.ID,
		Severity:       item.Severity,
		Title:          item.Title,
		Description:    optionalString(item.Description),
		Metric:         item.Metric,
		Threshold:      item.Threshold,
		AlertType:      optionalString(item.AlertType),
		MetricName:     optionalString(item.MetricName),
		SessionID:      item.SessionID,
		SpanID:         item.SpanID,
		TraceID:        item.TraceID,
		Acknowledged:   item.Acknowledged,
		AcknowledgedAt: item.AcknowledgedAt,
		AcknowledgedBy: optionalString(item.AcknowledgedBy),
		ResolvedAt:     item.ResolvedAt,
		CreatedAt:      item.CreatedAt,
		Metadata:       item.Metadata,
	}
}

func thresholdToOut(item *store.Threshold) thresholdOut {
	return thresholdOut{
		ID:             item.ID,
		MetricName:     item.MetricName,
		ThresholdValue: item.ThresholdValue,
		Severity:       item.Severity,
		Enabled:        item.Enabled,
		Description:    optionalString(item.Description),
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
	}
}
