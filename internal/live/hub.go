// Package live fans out alert and metrics events to websocket subscribers.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tracelens/tracelens/internal/store"
)

// writeTimeout bounds one broadcast write per subscriber. A subscriber
// that cannot keep up is dropped rather than stalling the hub.
const writeTimeout = 5 * time.Second

// Event types carried on the wire.
const (
	EventNewAlert      = "new_alert"
	EventMetricsUpdate = "metrics_update"
)

// Event is the envelope every live message uses.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// AlertEvent is the payload of a new_alert event.
type AlertEvent struct {
	ID          int64   `json:"id"`
	Severity    string  `json:"severity"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Metric      float64 `json:"metric"`
	Threshold   float64 `json:"threshold"`
	AlertType   string  `json:"alert_type"`
	MetricName  string  `json:"metric_name"`
	CreatedAt   string  `json:"created_at"`
}

// Hub tracks one endpoint's websocket subscribers and broadcasts events
// to all of them. Safe for concurrent use.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*websocket.Conn
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[string]*websocket.Conn),
	}
}

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and holds the connection open until the
// client disconnects. The connection only receives broadcasts; inbound
// frames are read and discarded to surface the close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.subs[id] = conn
	h.mu.Unlock()
	h.logger.Debug("websocket subscriber connected", "subscriber_id", id)

	defer func() {
		h.remove(id)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug("websocket subscriber disconnected", "subscriber_id", id)
	}()

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Broadcast marshals the event once and writes it to every subscriber.
// Subscribers whose write fails or times out are pruned.
func (h *Hub) Broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal broadcast event", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(h.subs))
	for id, conn := range h.subs {
		conns[id] = conn
	}
	h.mu.Unlock()

	for id, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			h.remove(id)
			_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
			h.logger.Debug("pruned stalled websocket subscriber", "subscriber_id", id)
		}
	}
}

// BroadcastAlert publishes a stored alert as a new_alert event.
func (h *Hub) BroadcastAlert(alert *store.Alert) {
	h.Broadcast(Event{
		Type: EventNewAlert,
		Data: AlertEvent{
			ID:          alert.ID,
			Severity:    alert.Severity,
			Title:       alert.Title,
			Description: alert.Description,
			Metric:      alert.Metric,
			Threshold:   alert.Threshold,
			AlertType:   alert.AlertType,
			MetricName:  alert.MetricName,
			CreatedAt:   alert.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}
