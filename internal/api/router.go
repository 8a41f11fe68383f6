// Package api exposes the HTTP surface: trace and agent ingestion, metric
// queries, alert management, and the live websocket channels.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tracelens/tracelens/internal/alerting"
	"github.com/tracelens/tracelens/internal/correlation"
	"github.com/tracelens/tracelens/internal/metrics"
	"github.com/tracelens/tracelens/internal/store"
	"github.com/tracelens/tracelens/internal/workflow"
)

const requestBodyLimit = 1 << 20

type RouterOptions struct {
	AppVersion    string
	Store         store.RecordStore
	Metrics       *metrics.Engine
	Analyzer      *workflow.Analyzer
	Evaluator     *alerting.Evaluator
	AlertHub      http.Handler
	MetricsHub    http.Handler
	AlertFanout   alerting.Broadcaster
	StorageDriver string
	StoragePath   string

	// Ingested, when set, is called after each stored trace, session, or
	// span with the record type.
	Ingested func(recordType string)
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))

	mux.Handle("/api/traces", TracesHandler(options.Store, options.Ingested))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Store))

	mux.Handle("/api/agents/sessions", SessionsHandler(options.Store, options.Ingested))
	mux.Handle("/api/agents/sessions/summary", SessionsSummaryHandler(options.Analyzer))
	mux.Handle("/api/agents/sessions/", SessionDetailHandler(options.Store, options.Analyzer))
	mux.Handle("/api/agents/spans", SpansHandler(options.Store, options.Ingested))

	mux.Handle("/api/metrics/summary", MetricsSummaryHandler(options.Metrics))
	mux.Handle("/api/metrics/timeseries", TimeseriesHandler(options.Metrics))
	mux.Handle("/api/metrics/models/summary", ModelsSummaryHandler(options.Metrics))

	mux.Handle("/api/alerts", AlertsHandler(options.Store, options.AlertFanout))
	mux.Handle("/api/alerts/summary", AlertsSummaryHandler(options.Store))
	mux.Handle("/api/alerts/check-thresholds", CheckThresholdsHandler(options.Evaluator))
	mux.Handle("/api/alerts/thresholds", ThresholdsHandler(options.Store))
	mux.Handle("/api/alerts/thresholds/", ThresholdDetailHandler(options.Store))

	if options.MetricsHub != nil {
		mux.Handle("/api/metrics/ws", options.MetricsHub)
	}
	if options.AlertHub != nil {
		mux.Handle("/api/alerts/ws", options.AlertHub)
	}
	// Registered after the fixed /api/alerts/* routes; the mux prefers the
	// longer literal patterns above.
	mux.Handle("/api/alerts/", AlertDetailHandler(options.Store))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "tracelens",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(correlation.Middleware(mux))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeStoreError maps store sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, notFoundMessage string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMessage)
	case errors.Is(err, store.ErrInvalidMetric):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "storage failure")
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", ")+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// decodeBody decodes a single JSON document into dst, rejecting unknown
// fields and trailing garbage.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body required")
		return false
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseBoolQuery(raw, name string) (*bool, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be true or false", name)
	}
	return &parsed, nil
}

// parsePageQuery reads the shared limit/offset pagination parameters.
func parsePageQuery(r *http.Request) (limit, offset int, err error) {
	query := r.URL.Query()
	limit, err = parseIntQuery(query.Get("limit"), "limit", 0, 500)
	if err != nil {
		return 0, 0, err
	}
	offset, err = parseIntQuery(query.Get("offset"), "offset", 0, 0)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// parseIDPath extracts the numeric id and optional trailing action from a
// path such as /api/alerts/42/ack.
func parseIDPath(path, prefix string) (id int64, action string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return 0, "", false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" {
		return 0, "", false
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 2 {
		// Session subresources use two path segments (spans/tree).
		if len(parts) == 3 {
			action = parts[1] + "/" + parts[2]
			parts = parts[:1]
		} else {
			return 0, "", false
		}
	} else if len(parts) == 2 {
		action = strings.TrimSpace(parts[1])
		if action == "" {
			return 0, "", false
		}
		parts = parts[:1]
	}

	id, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || id <= 0 {
		return 0, "", false
	}
	return id, action, true
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
