package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Timestamps are stored as fixed-width UTC text in both drivers so that
// lexicographic comparison matches chronological order and the same SQL
// works against sqlite and postgres.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// minuteBucketExpr truncates a stored timestamp to its 1-minute bucket.
// The stored layout puts minutes at characters 1-16.
const minuteBucketExpr = "substr(created_at, 1, 16) || ':00Z'"

const defaultQueryLimit = 50

type dialect struct {
	name   string
	rebind func(query string) string
}

func rebindIdentity(query string) string { return query }

// rebindDollar rewrites ? placeholders to $1..$n for postgres. Queries in
// this package never contain a literal question mark.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore implements RecordStore over database/sql for both supported
// drivers. Dialect differences are confined to placeholder style, schema
// DDL, and sqlite write serialization.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers write concurrently.
	serializeWrites bool
	writeMu         sync.Mutex
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) write(ctx context.Context, fn func() error) error {
	if !s.serializeWrites {
		return fn()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retrySQLiteBusy(ctx, fn)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseStoredTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw, err)
	}
	return parsed.UTC(), nil
}

func parseStoredTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	parsed, err := parseStoredTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func rawJSONArg(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSONValue(raw sql.NullString) json.RawMessage {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.RawMessage(raw.String)
}

func nullInt64Arg(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt64Value(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func nullFloatArg(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- traces ---

const traceColumns = `id, model, provider, latency_ms, tokens, input_tokens, output_tokens,
prompt_tokens, completion_tokens, cost_usd, status, error_message, request_id,
user_id, endpoint, temperature, max_tokens, metadata, session_id, span_id, created_at`

func (s *SQLStore) InsertTrace(ctx context.Context, t *Trace) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = StatusSuccess
	}

	query := s.dialect.rebind(`
INSERT INTO llm_traces (model, provider, latency_ms, tokens, input_tokens, output_tokens,
prompt_tokens, completion_tokens, cost_usd, status, error_message, request_id,
user_id, endpoint, temperature, max_tokens, metadata, session_id, span_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`)

	var id int64
	err := s.write(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			t.Model,
			t.Provider,
			t.LatencyMS,
			t.Tokens,
			t.InputTokens,
			t.OutputTokens,
			t.PromptTokens,
			t.CompletionTokens,
			t.CostUSD,
			t.Status,
			t.ErrorMessage,
			t.RequestID,
			t.UserID,
			t.Endpoint,
			nullFloatArg(t.Temperature),
			nullInt64Arg(t.MaxTokens),
			rawJSONArg(t.Metadata),
			nullInt64Arg(t.SessionID),
			nullInt64Arg(t.SpanID),
			formatTime(t.CreatedAt),
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert trace: %w", err)
	}
	t.ID = id
	return id, nil
}

func (s *SQLStore) GetTrace(ctx context.Context, id int64) (*Trace, error) {
	query := s.dialect.rebind("SELECT " + traceColumns + " FROM llm_traces WHERE id = ?")
	item, err := scanTrace(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %d: %w", id, err)
	}
	return item, nil
}

func (s *SQLStore) QueryTraces(ctx context.Context, filter TraceFilter) ([]*Trace, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SessionID > 0 {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(filter.To))
	}
	whereSQL := "1=1"
	if len(where) > 0 {
		whereSQL = strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit), filter.Offset)

	query := s.dialect.rebind("SELECT " + traceColumns + ` FROM llm_traces
WHERE ` + whereSQL + `
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0)
	for rows.Next() {
		item, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	return items, nil
}

func (s *SQLStore) TracesForSession(ctx context.Context, sessionID int64) ([]*Trace, error) {
	query := s.dialect.rebind("SELECT " + traceColumns + ` FROM llm_traces
WHERE session_id = ?
ORDER BY created_at ASC, id ASC`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0)
	for rows.Next() {
		item, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session trace rows: %w", err)
	}
	return items, nil
}

func scanTrace(scanner rowScanner) (*Trace, error) {
	var (
		item         Trace
		errorMessage sql.NullString
		requestID    sql.NullString
		userID       sql.NullString
		endpoint     sql.NullString
		temperature  sql.NullFloat64
		maxTokens    sql.NullInt64
		metadata     sql.NullString
		sessionID    sql.NullInt64
		spanID       sql.NullInt64
		createdAt    string
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Model,
		&item.Provider,
		&item.LatencyMS,
		&item.Tokens,
		&item.InputTokens,
		&item.OutputTokens,
		&item.PromptTokens,
		&item.CompletionTokens,
		&item.CostUSD,
		&item.Status,
		&errorMessage,
		&requestID,
		&userID,
		&endpoint,
		&temperature,
		&maxTokens,
		&metadata,
		&sessionID,
		&spanID,
		&createdAt,
	); err != nil {
		return nil, err
	}

	item.ErrorMessage = errorMessage.String
	item.RequestID = requestID.String
	item.UserID = userID.String
	item.Endpoint = endpoint.String
	if temperature.Valid {
		value := temperature.Float64
		item.Temperature = &value
	}
	item.MaxTokens = nullInt64Value(maxTokens)
	item.Metadata = rawJSONValue(metadata)
	item.SessionID = nullInt64Value(sessionID)
	item.SpanID = nullInt64Value(spanID)

	parsedCreated, err := parseStoredTime(createdAt)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = parsedCreated
	return &item, nil
}

// --- sessions ---

const sessionColumns = `id, started_at, ended_at, user_id, title, status, total_latency_ms,
total_tokens, total_cost_usd, error_message, metadata`

func (s *SQLStore) InsertSession(ctx context.Context, sess *Session) (int64, error) {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = SessionRunning
	}

	query := s.dialect.rebind(`
INSERT INTO agent_sessions (started_at, ended_at, user_id, title, status, total_latency_ms,
total_tokens, total_cost_usd, error_message, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`)

	var id int64
	err := s.write(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			formatTime(sess.StartedAt),
			formatTimePtr(sess.EndedAt),
			sess.UserID,
			sess.Title,
			sess.Status,
			sess.TotalLatencyMS,
			sess.TotalTokens,
			sess.TotalCostUSD,
			sess.ErrorMessage,
			rawJSONArg(sess.Metadata),
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	sess.ID = id
	return id, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id int64) (*Session, error) {
	query := s.dialect.rebind("SELECT " + sessionColumns + " FROM agent_sessions WHERE id = ?")
	item, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}
	return item, nil
}

func (s *SQLStore) QuerySessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	whereSQL := "1=1"
	if len(where) > 0 {
		whereSQL = strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit), filter.Offset)

	query := s.dialect.rebind("SELECT " + sessionColumns + ` FROM agent_sessions
WHERE ` + whereSQL + `
ORDER BY started_at DESC, id DESC
LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	items := make([]*Session, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, sess *Session) error {
	query := s.dialect.rebind(`
UPDATE agent_sessions
SET ended_at = ?, user_id = ?, title = ?, status = ?, total_latency_ms = ?,
    total_tokens = ?, total_cost_usd = ?, error_message = ?, metadata = ?
WHERE id = ?`)

	return s.write(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query,
			formatTimePtr(sess.EndedAt),
			sess.UserID,
			sess.Title,
			sess.Status,
			sess.TotalLatencyMS,
			sess.TotalTokens,
			sess.TotalCostUSD,
			sess.ErrorMessage,
			rawJSONArg(sess.Metadata),
			sess.ID,
		)
		if err != nil {
			return fmt.Errorf("update session %d: %w", sess.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session %d row count: %w", sess.ID, err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLStore) DeleteSession(ctx context.Context, id int64) error {
	return s.write(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session delete: %w", err)
		}
		// Traces reference the session for lookup only; detach them rather
		// than deleting telemetry.
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			"UPDATE llm_traces SET session_id = NULL, span_id = NULL WHERE session_id = ?"), id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("detach session traces: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			"DELETE FROM agent_spans WHERE session_id = ?"), id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete session spans: %w", err)
		}
		result, err := tx.ExecContext(ctx, s.dialect.rebind(
			"DELETE FROM agent_sessions WHERE id = ?"), id)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete session %d: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete session %d row count: %w", id, err)
		}
		if affected == 0 {
			_ = tx.Rollback()
			return ErrNotFound
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session delete: %w", err)
		}
		return nil
	})
}

func scanSession(scanner rowScanner) (*Session, error) {
	var (
		item         Session
		startedAt    string
		endedAt      sql.NullString
		userID       sql.NullString
		title        sql.NullString
		errorMessage sql.NullString
		metadata     sql.NullString
	)
	if err := scanner.Scan(
		&item.ID,
		&startedAt,
		&endedAt,
		&userID,
		&title,
		&item.Status,
		&item.TotalLatencyMS,
		&item.TotalTokens,
		&item.TotalCostUSD,
		&errorMessage,
		&metadata,
	); err != nil {
		return nil, err
	}

	parsedStarted, err := parseStoredTime(startedAt)
	if err != nil {
		return nil, err
	}
	item.StartedAt = parsedStarted
	parsedEnded, err := parseStoredTimePtr(endedAt)
	if err != nil {
		return nil, err
	}
	item.EndedAt = parsedEnded
	item.UserID = userID.String
	item.Title = title.String
	item.ErrorMessage = errorMessage.String
	item.Metadata = rawJSONValue(metadata)
	return &item, nil
}

// --- spans ---

const spanColumns = `id, session_id, parent_id, span_type, name, status, latency_ms, prompt,
output, error, created_at, started_at, ended_at, tokens_used, cost_usd, model_used,
provider_used, tool_calls, reasoning_steps, metadata, trace_ref`

func (s *SQLStore) InsertSpan(ctx context.Context, span *Span) (int64, error) {
	if span.CreatedAt.IsZero() {
		span.CreatedAt = time.Now().UTC()
	}
	if span.StartedAt.IsZero() {
		span.StartedAt = span.CreatedAt
	}
	if span.Status == "" {
		span.Status = StatusSuccess
	}

	// The owning session must exist, and a declared parent must belong to
	// the same session.
	if _, err := s.GetSession(ctx, span.SessionID); err != nil {
		return 0, err
	}
	if span.ParentID != nil {
		parent, err := s.GetSpan(ctx, *span.ParentID)
		if err != nil {
			return 0, err
		}
		if parent.SessionID != span.SessionID {
			return 0, fmt.Errorf("parent span %d belongs to session %d, not %d",
				parent.ID, parent.SessionID, span.SessionID)
		}
	}

	query := s.dialect.rebind(`
INSERT INTO agent_spans (session_id, parent_id, span_type, name, status, latency_ms, prompt,
output, error, created_at, started_at, ended_at, tokens_used, cost_usd, model_used,
provider_used, tool_calls, reasoning_steps, metadata, trace_ref)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`)

	var id int64
	err := s.write(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			span.SessionID,
			nullInt64Arg(span.ParentID),
			span.SpanType,
			span.Name,
			span.Status,
			span.LatencyMS,
			span.Prompt,
			span.Output,
			span.Error,
			formatTime(span.CreatedAt),
			formatTime(span.StartedAt),
			formatTimePtr(span.EndedAt),
			span.TokensUsed,
			span.CostUSD,
			span.ModelUsed,
			span.ProviderUsed,
			rawJSONArg(span.ToolCalls),
			rawJSONArg(span.ReasoningSteps),
			rawJSONArg(span.Metadata),
			span.TraceRef,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert span: %w", err)
	}
	span.ID = id
	return id, nil
}

func (s *SQLStore) GetSpan(ctx context.Context, id int64) (*Span, error) {
	query := s.dialect.rebind("SELECT " + spanColumns + " FROM agent_spans WHERE id = ?")
	item, err := scanSpan(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get span %d: %w", id, err)
	}
	return item, nil
}

func (s *SQLStore) SpansForSession(ctx context.Context, sessionID int64) ([]*Span, error) {
	query := s.dialect.rebind("SELECT " + spanColumns + ` FROM agent_spans
WHERE session_id = ?
ORDER BY created_at ASC, id ASC`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session spans: %w", err)
	}
	defer rows.Close()

	items := make([]*Span, 0)
	for rows.Next() {
		item, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return items, nil
}

func scanSpan(scanner rowScanner) (*Span, error) {
	var (
		item           Span
		parentID       sql.NullInt64
		prompt         sql.NullString
		output         sql.NullString
		errText        sql.NullString
		createdAt      string
		startedAt      string
		endedAt        sql.NullString
		modelUsed      sql.NullString
		providerUsed   sql.NullString
		toolCalls      sql.NullString
		reasoningSteps sql.NullString
		metadata       sql.NullString
		traceRef       sql.NullString
	)
	if err := scanner.Scan(
		&item.ID,
		&item.SessionID,
		&parentID,
		&item.SpanType,
		&item.Name,
		&item.Status,
		&item.LatencyMS,
		&prompt,
		&output,
		&errText,
		&createdAt,
		&startedAt,
		&endedAt,
		&item.TokensUsed,
		&item.CostUSD,
		&modelUsed,
		&providerUsed,
		&toolCalls,
		&reasoningSteps,
		&metadata,
		&traceRef,
	); err != nil {
		return nil, err
	}

	item.ParentID = nullInt64Value(parentID)
	item.Prompt = prompt.String
	item.Output = output.String
	item.Error = errText.String
	item.ModelUsed = modelUsed.String
	item.ProviderUsed = providerUsed.String
	item.ToolCalls = rawJSONValue(toolCalls)
	item.ReasoningSteps = rawJSONValue(reasoningSteps)
	item.Metadata = rawJSONValue(metadata)
	item.TraceRef = traceRef.String

	parsedCreated, err := parseStoredTime(createdAt)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = parsedCreated
	parsedStarted, err := parseStoredTime(startedAt)
	if err != nil {
		return nil, err
	}
	item.StartedAt = parsedStarted
	parsedEnded, err := parseStoredTimePtr(endedAt)
	if err != nil {
		return nil, err
	}
	item.EndedAt = parsedEnded
	return &item, nil
}

// --- alerts ---

const alertColumns = `id, severity, title, description, metric, threshold, alert_type,
metric_name, session_id, span_id, trace_id, acknowledged, acknowledged_at,
acknowledged_by, resolved_at, created_at, metadata`

func (s *SQLStore) InsertAlert(ctx context.Context, a *Alert) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := s.dialect.rebind(`
INSERT INTO alerts (severity, title, description, metric, threshold, alert_type,
metric_name, session_id, span_id, trace_id, acknowledged, acknowledged_at,
acknowledged_by, resolved_at, created_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`)

	var id int64
	err := s.write(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			a.Severity,
			a.Title,
			a.Description,
			a.Metric,
			a.Threshold,
			a.AlertType,
			a.MetricName,
			nullInt64Arg(a.SessionID),
			nullInt64Arg(a.SpanID),
			nullInt64Arg(a.TraceID),
			a.Acknowledged,
			formatTimePtr(a.AcknowledgedAt),
			a.AcknowledgedBy,
			formatTimePtr(a.ResolvedAt),
			formatTime(a.CreatedAt),
			rawJSONArg(a.Metadata),
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	a.ID = id
	return id, nil
}

func (s *SQLStore) GetAlert(ctx context.Context, id int64) (*Alert, error) {
	query := s.dialect.rebind("SELECT " + alertColumns + " FROM alerts WHERE id = ?")
	item, err := scanAlert(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get alert %d: %w", id, err)
	}
	return item, nil
}

func (s *SQLStore) QueryAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.AlertType != "" {
		where = append(where, "alert_type = ?")
		args = append(args, filter.AlertType)
	}
	if filter.Acknowledged != nil {
		where = append(where, "acknowledged = ?")
		args = append(args, *filter.Acknowledged)
	}
	whereSQL := "1=1"
	if len(where) > 0 {
		whereSQL = strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit), filter.Offset)

	query := s.dialect.rebind("SELECT " + alertColumns + ` FROM alerts
WHERE ` + whereSQL + `
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	items := make([]*Alert, 0)
	for rows.Next() {
		item, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}
	return items, nil
}

func (s *SQLStore) UpdateAlert(ctx context.Context, a *Alert) error {
	query := s.dialect.rebind(`
UPDATE alerts
SET acknowledged = ?, acknowledged_at = ?, acknowledged_by = ?, resolved_at = ?
WHERE id = ?`)

	return s.write(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query,
			a.Acknowledged,
			formatTimePtr(a.AcknowledgedAt),
			a.AcknowledgedBy,
			formatTimePtr(a.ResolvedAt),
			a.ID,
		)
		if err != nil {
			return fmt.Errorf("update alert %d: %w", a.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update alert %d row count: %w", a.ID, err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLStore) LatestUnacknowledgedAlert(ctx context.Context, metricName string, since time.Time) (*Alert, error) {
	query := s.dialect.rebind("SELECT " + alertColumns + ` FROM alerts
WHERE metric_name = ? AND acknowledged = ? AND created_at >= ?
ORDER BY created_at DESC, id DESC
LIMIT 1`)

	item, err := scanAlert(s.db.QueryRowContext(ctx, query, metricName, false, formatTime(since)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest unacknowledged alert: %w", err)
	}
	return item, nil
}

func (s *SQLStore) AlertSeverityCounts(ctx context.Context) ([]SeverityCount, error) {
	query := s.dialect.rebind(`
SELECT severity,
       COUNT(*),
       COALESCE(SUM(CASE WHEN acknowledged = ? THEN 1 ELSE 0 END), 0)
FROM alerts
GROUP BY severity
ORDER BY severity ASC`)

	rows, err := s.db.QueryContext(ctx, query, false)
	if err != nil {
		return nil, fmt.Errorf("query alert severity counts: %w", err)
	}
	defer rows.Close()

	counts := make([]SeverityCount, 0)
	for rows.Next() {
		var row SeverityCount
		if err := rows.Scan(&row.Severity, &row.Total, &row.Unacknowledged); err != nil {
			return nil, fmt.Errorf("scan alert severity row: %w", err)
		}
		counts = append(counts, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert severity rows: %w", err)
	}
	return counts, nil
}

func scanAlert(scanner rowScanner) (*Alert, error) {
	var (
		item           Alert
		description    sql.NullString
		metricName     sql.NullString
		sessionID      sql.NullInt64
		spanID         sql.NullInt64
		traceID        sql.NullInt64
		acknowledgedAt sql.NullString
		acknowledgedBy sql.NullString
		resolvedAt     sql.NullString
		createdAt      string
		metadata       sql.NullString
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Severity,
		&item.Title,
		&description,
		&item.Metric,
		&item.Threshold,
		&item.AlertType,
		&metricName,
		&sessionID,
		&spanID,
		&traceID,
		&item.Acknowledged,
		&acknowledgedAt,
		&acknowledgedBy,
		&resolvedAt,
		&createdAt,
		&metadata,
	); err != nil {
		return nil, err
	}

	item.Description = description.String
	item.MetricName = metricName.String
	item.SessionID = nullInt64Value(sessionID)
	item.SpanID = nullInt64Value(spanID)
	item.TraceID = nullInt64Value(traceID)
	item.AcknowledgedBy = acknowledgedBy.String
	item.Metadata = rawJSONValue(metadata)

	parsedAck, err := parseStoredTimePtr(acknowledgedAt)
	if err != nil {
		return nil, err
	}
	item.AcknowledgedAt = parsedAck
	parsedResolved, err := parseStoredTimePtr(resolvedAt)
	if err != nil {
		return nil, err
	}
	item.ResolvedAt = parsedResolved
	parsedCreated, err := parseStoredTime(createdAt)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = parsedCreated
	return &item, nil
}

// --- thresholds ---

const thresholdColumns = `id, metric_name, threshold_value, severity, enabled, description,
created_at, updated_at`

func (s *SQLStore) InsertThreshold(ctx context.Context, t *Threshold) (int64, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	query := s.dialect.rebind(`
INSERT INTO alert_thresholds (metric_name, threshold_value, severity, enabled, description,
created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`)

	var id int64
	err := s.write(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			t.MetricName,
			t.ThresholdValue,
			t.Severity,
			t.Enabled,
			t.Description,
			formatTime(t.CreatedAt),
			formatTime(t.UpdatedAt),
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert threshold: %w", err)
	}
	t.ID = id
	return id, nil
}

func (s *SQLStore) GetThreshold(ctx context.Context, id int64) (*Threshold, error) {
	query := s.dialect.rebind("SELECT " + thresholdColumns + " FROM alert_thresholds WHERE id = ?")
	item, err := scanThreshold(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get threshold %d: %w", id, err)
	}
	return item, nil
}

func (s *SQLStore) ListThresholds(ctx context.Context, enabledOnly bool) ([]*Threshold, error) {
	query := "SELECT " + thresholdColumns + " FROM alert_thresholds"
	args := []any{}
	if enabledOnly {
		query += " WHERE enabled = ?"
		args = append(args, true)
	}
	query += " ORDER BY metric_name ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query thresholds: %w", err)
	}
	defer rows.Close()

	items := make([]*Threshold, 0)
	for rows.Next() {
		item, err := scanThreshold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan threshold row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threshold rows: %w", err)
	}
	return items, nil
}

func (s *SQLStore) UpdateThreshold(ctx context.Context, t *Threshold) error {
	t.UpdatedAt = time.Now().UTC()
	query := s.dialect.rebind(`
UPDATE alert_thresholds
SET metric_name = ?, threshold_value = ?, severity = ?, enabled = ?, description = ?,
    updated_at = ?
WHERE id = ?`)

	return s.write(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query,
			t.MetricName,
			t.ThresholdValue,
			t.Severity,
			t.Enabled,
			t.Description,
			formatTime(t.UpdatedAt),
			t.ID,
		)
		if err != nil {
			return fmt.Errorf("update threshold %d: %w", t.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update threshold %d row count: %w", t.ID, err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLStore) DeleteThreshold(ctx context.Context, id int64) error {
	return s.write(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			s.dialect.rebind("DELETE FROM alert_thresholds WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("delete threshold %d: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete threshold %d row count: %w", id, err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanThreshold(scanner rowScanner) (*Threshold, error) {
	var (
		item        Threshold
		description sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(
		&item.ID,
		&item.MetricName,
		&item.ThresholdValue,
		&item.Severity,
		&item.Enabled,
		&description,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	item.Description = description.String
	parsedCreated, err := parseStoredTime(createdAt)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = parsedCreated
	parsedUpdated, err := parseStoredTime(updatedAt)
	if err != nil {
		return nil, err
	}
	item.UpdatedAt = parsedUpdated
	return &item, nil
}
