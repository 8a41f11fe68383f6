package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/tracelens/tracelens/internal/metrics"
	"github.com/tracelens/tracelens/internal/store"
)

// MetricsSummaryHandler serves the all-time trace aggregate.
func MetricsSummaryHandler(engine *metrics.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		summary, err := engine.Summary(r.Context(), time.Time{}, time.Time{})
		if err != nil {
			writeStoreError(w, err, "failed to compute summary")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})
}

// TimeseriesHandler serves per-minute buckets of one trace metric over a
// trailing window.
func TimeseriesHandler(engine *metrics.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		query := r.URL.Query()

		metric := strings.TrimSpace(query.Get("metric_name"))
		if metric == "" {
			writeError(w, http.StatusBadRequest, "metric_name is required")
			return
		}
		aggregation := strings.TrimSpace(query.Get("aggregation"))
		if aggregation == "" {
			aggregation = store.SeriesAggAvg
		}
		hours, err := parseIntQuery(query.Get("hours"), "hours", 1, 24*7)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var from, to time.Time
		if hours > 0 {
			to = time.Now().UTC()
			from = to.Add(-time.Duration(hours) * time.Hour)
		}
		series, err := engine.TimeSeries(r.Context(), metric, aggregation, from, to)
		if err != nil {
			writeStoreError(w, err, "failed to compute series")
			return
		}
		writeJSON(w, http.StatusOK, series)
	})
}

// ModelsSummaryHandler serves per-model aggregates, ordered by request
// volume.
func ModelsSummaryHandler(engine *metrics.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		summaries, err := engine.ModelsSummary(r.Context())
		if err != nil {
			writeStoreError(w, err, "failed to compute model summaries")
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	})
}
