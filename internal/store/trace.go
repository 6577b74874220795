package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
)

// AddTrace ingests a trace and its spans. Idempotent: re-ingesting an
// existing trace id replaces its spans and attributes. When an
// embedding engine is configured the rendered trace document is
// embedded and stored; embedding failures are logged and non-fatal.
func (s *Store) AddTrace(ctx context.Context, payload *schema.TracePayload) error {
	timer := logging.StartTimer(logging.CategoryStore, "AddTrace")
	defer timer.Stop()

	if payload.TraceID == "" {
		return fmt.Errorf("trace_id is required")
	}

	systemPrompt, _ := payload.Attributes[schema.KeySystemPrompt].(string)
	episodeID, _ := payload.Attributes[schema.KeyEpisodeID].(string)
	status := schema.StatusCompleted
	if v, ok := payload.Attributes["status"].(string); ok && schema.ValidStatus(v) {
		status = v
	}
	priority := 3
	if v, ok := payload.Attributes["priority"].(float64); ok && v >= 1 && v <= 5 {
		priority = int(v)
	}

	attrsJSON, err := json.Marshal(payload.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO traces (id, system_prompt, episode_id, status, priority, attributes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			episode_id = excluded.episode_id,
			status = excluded.status,
			priority = excluded.priority,
			attributes = excluded.attributes`,
		payload.TraceID, nullable(systemPrompt), nullable(episodeID), status, priority, string(attrsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert trace: %w", err)
	}

	// Replace spans wholesale so re-ingest cannot duplicate them.
	if _, err := tx.ExecContext(ctx, `DELETE FROM spans WHERE trace_id = ?`, payload.TraceID); err != nil {
		return fmt.Errorf("failed to clear spans: %w", err)
	}
	for _, sp := range payload.Spans {
		startTime, err := schema.ParseTimestamp(sp.StartTime)
		if err != nil {
			return fmt.Errorf("span %s: %w", sp.SpanID, err)
		}
		endTime, err := schema.ParseTimestamp(sp.EndTime)
		if err != nil {
			return fmt.Errorf("span %s: %w", sp.SpanID, err)
		}
		spanAttrs, err := json.Marshal(sp.Attributes)
		if err != nil {
			return fmt.Errorf("span %s: failed to marshal attributes: %w", sp.SpanID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO spans (span_id, trace_id, parent_id, name, start_time, end_time, attributes)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sp.SpanID, payload.TraceID, nullable(sp.ParentID), sp.Name,
			startTime.Format(time.RFC3339Nano), endTime.Format(time.RFC3339Nano), string(spanAttrs))
		if err != nil {
			return fmt.Errorf("failed to insert span %s: %w", sp.SpanID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trace: %w", err)
	}
	logging.StoreDebug("ingested trace %s with %d spans", payload.TraceID, len(payload.Spans))

	// Embedding happens outside the transaction: a slow or failing
	// embedding service must not hold the write lock hostage or fail
	// the ingest.
	if s.engine != nil {
		doc := RenderTraceDocument(systemPrompt, payload.Spans)
		if err := s.embedTrace(ctx, payload.TraceID, doc); err != nil {
			logging.Get(logging.CategoryStore).Warn("embedding for trace %s failed: %v", payload.TraceID, err)
		}
	}
	return nil
}

// embedTrace computes and stores the document embedding for a trace.
func (s *Store) embedTrace(ctx context.Context, traceID, doc string) error {
	vec, err := s.engine.Embed(ctx, doc)
	if err != nil {
		return err
	}
	if len(vec) == 0 {
		return fmt.Errorf("engine returned empty embedding")
	}
	encoded, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE traces SET embedding = ? WHERE id = ?`, string(encoded), traceID)
	return err
}

// RenderTraceDocument renders a trace into the text that gets embedded:
// the system prompt plus span highlights (names, tool names, LLM
// thoughts and answers).
func RenderTraceDocument(systemPrompt string, spans []schema.SpanPayload) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString("System Prompt: ")
		b.WriteString(systemPrompt)
		b.WriteString("\n")
	}
	for _, sp := range spans {
		b.WriteString("Span: ")
		b.WriteString(sp.Name)
		if spanType, ok := sp.Attributes[schema.KeySpanType].(string); ok {
			b.WriteString(" (")
			b.WriteString(spanType)
			b.WriteString(")")
		}
		b.WriteString("\n")
		for _, key := range []string{schema.KeyToolName, schema.KeyLLMThought, schema.KeyLLMFinalAnswer} {
			if v, ok := sp.Attributes[key].(string); ok && v != "" {
				b.WriteString("  ")
				b.WriteString(v)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// AddFeedback attaches (or replaces) human feedback on a trace.
func (s *Store) AddFeedback(ctx context.Context, traceID string, fb *schema.Feedback) error {
	if fb.Rating < 1 || fb.Rating > 5 {
		return fmt.Errorf("rating must be 1-5, got %d", fb.Rating)
	}
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE traces SET feedback = ? WHERE id = ?`, string(data), traceID)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trace not found: %s", traceID)
	}
	logging.StoreDebug("feedback stored for trace %s (rating=%d)", traceID, fb.Rating)
	return nil
}

// SetStatus transitions a trace's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, traceID, status string) error {
	if !schema.ValidStatus(status) {
		return fmt.Errorf("invalid status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE traces SET status = ? WHERE id = ?`, status, traceID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trace not found: %s", traceID)
	}
	return nil
}

// GetTrace loads a trace with its spans. Returns sql.ErrNoRows via the
// wrapped error when the trace does not exist.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*schema.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, system_prompt, episode_id, created_at, status, priority,
		       embedding IS NOT NULL, attributes, feedback, ai_evaluation
		FROM traces WHERE id = ?`, traceID)
	trace, err := scanTrace(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("trace not found: %s: %w", traceID, err)
		}
		return nil, fmt.Errorf("failed to load trace: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, span_id, trace_id, parent_id, name, start_time, end_time, attributes
		FROM spans WHERE trace_id = ? ORDER BY start_time, id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load spans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		trace.Spans = append(trace.Spans, *span)
	}
	return trace, rows.Err()
}

// ListFilter narrows ListTraces.
type ListFilter struct {
	Status string
	Since  time.Time
	Limit  int
	Offset int
}

// ListTraces returns traces newest-first, without spans.
func (s *Store) ListTraces(ctx context.Context, filter ListFilter) ([]schema.Trace, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `
		SELECT id, system_prompt, episode_id, created_at, status, priority,
		       embedding IS NOT NULL, attributes, feedback, ai_evaluation
		FROM traces WHERE 1=1`
	args := []interface{}{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format("2006-01-02 15:04:05"))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTraces(ctx, query, args...)
}

// GetTracesByEpisode returns all traces in an episode, oldest first.
func (s *Store) GetTracesByEpisode(ctx context.Context, episodeID string) ([]schema.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTraces(ctx, `
		SELECT id, system_prompt, episode_id, created_at, status, priority,
		       embedding IS NOT NULL, attributes, feedback, ai_evaluation
		FROM traces WHERE episode_id = ? ORDER BY created_at, id`, episodeID)
}

// CountTraces returns the number of stored traces.
func (s *Store) CountTraces(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count traces: %w", err)
	}
	return count, nil
}

// Stats summarizes the stored corpus.
func (s *Store) Stats(ctx context.Context) (*schema.Stats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &schema.Stats{}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM traces),
			(SELECT COUNT(*) FROM spans),
			(SELECT COUNT(*) FROM traces WHERE feedback IS NOT NULL),
			(SELECT COUNT(*) FROM traces WHERE created_at >= datetime('now', '-1 day'))`)
	if err := row.Scan(&stats.TotalTraces, &stats.TotalSpans, &stats.TracesWithFeedback, &stats.TracesLast24h); err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	if stats.TotalTraces > 0 {
		stats.AvgSpansPerTrace = float64(stats.TotalSpans) / float64(stats.TotalTraces)
	}
	return stats, nil
}

// ToolUsageStats groups tool_execution spans by tool name.
func (s *Store) ToolUsageStats(ctx context.Context, limit int) ([]schema.ToolUsage, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT json_extract(attributes, '$."`+schema.KeyToolName+`"') AS tool, COUNT(*) AS n
		FROM spans
		WHERE json_extract(attributes, '$."`+schema.KeySpanType+`"') = ?
		  AND json_extract(attributes, '$."`+schema.KeyToolName+`"') IS NOT NULL
		GROUP BY tool ORDER BY n DESC LIMIT ?`,
		schema.SpanTypeToolExecution, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool usage: %w", err)
	}
	defer rows.Close()

	var usage []schema.ToolUsage
	for rows.Next() {
		var u schema.ToolUsage
		if err := rows.Scan(&u.ToolName, &u.Count); err != nil {
			return nil, fmt.Errorf("failed to scan tool usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// queryTraces runs a trace SELECT and scans the results. Callers hold
// the read lock.
func (s *Store) queryTraces(ctx context.Context, query string, args ...interface{}) ([]schema.Trace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var traces []schema.Trace
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		traces = append(traces, *trace)
	}
	return traces, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrace(row rowScanner) (*schema.Trace, error) {
	var t schema.Trace
	var systemPrompt, episodeID, attributes, feedback, aiEval sql.NullString
	var createdAt string

	err := row.Scan(&t.ID, &systemPrompt, &episodeID, &createdAt, &t.Status,
		&t.Priority, &t.HasEmbedding, &attributes, &feedback, &aiEval)
	if err != nil {
		return nil, err
	}

	t.SystemPrompt = systemPrompt.String
	t.EpisodeID = episodeID.String
	t.AIEvaluation = aiEval.String
	if ts, err := schema.ParseTimestamp(createdAt); err == nil {
		t.CreatedAt = ts
	}
	if attributes.Valid && attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &t.Attributes); err != nil {
			logging.StoreDebug("trace %s has unparseable attributes: %v", t.ID, err)
		}
	}
	if feedback.Valid && feedback.String != "" {
		var fb schema.Feedback
		if err := json.Unmarshal([]byte(feedback.String), &fb); err == nil {
			t.Feedback = &fb
		}
	}
	return &t, nil
}

func scanSpan(row rowScanner) (*schema.Span, error) {
	var sp schema.Span
	var parentID, attributes sql.NullString
	var startTime, endTime string

	err := row.Scan(&sp.ID, &sp.SpanID, &sp.TraceID, &parentID, &sp.Name, &startTime, &endTime, &attributes)
	if err != nil {
		return nil, err
	}

	sp.ParentID = parentID.String
	if ts, err := schema.ParseTimestamp(startTime); err == nil {
		sp.StartTime = ts
	}
	if ts, err := schema.ParseTimestamp(endTime); err == nil {
		sp.EndTime = ts
	}
	if attributes.Valid && attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &sp.Attributes); err != nil {
			logging.StoreDebug("span %s has unparseable attributes: %v", sp.SpanID, err)
		}
	}
	return &sp, nil
}

// nullable converts "" to NULL for optional text columns.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
