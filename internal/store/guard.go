package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
)

// ExecuteReadOnly validates and executes a single SELECT statement on
// the read-only connection. It is the only path through which
// model-generated SQL ever reaches the database. Failures come back as
// values in QueryResult.Error, never as Go errors: rejection yields
// "parsing error: ...", the execution deadline yields "timed out", and
// engine faults yield a sanitized "SQL execution error: ...".
// rowLimit <= 0 uses the store default.
func (s *Store) ExecuteReadOnly(ctx context.Context, query string, rowLimit int) *schema.QueryResult {
	timer := logging.StartTimer(logging.CategoryGuard, "ExecuteReadOnly")
	defer timer.Stop()

	if rowLimit <= 0 {
		rowLimit = s.rowLimit
	}

	if reason := validateReadOnlyQuery(query); reason != "" {
		logging.Guard("rejected query: %s", reason)
		logging.Audit().QueryRejected(query, reason)
		return &schema.QueryResult{Error: "parsing error: " + reason}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.ro.QueryContext(ctx, query)
	if err != nil {
		return s.guardFailure(ctx, query, start, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return s.guardFailure(ctx, query, start, err)
	}

	result := &schema.QueryResult{Columns: columns}
	for rows.Next() && len(result.Rows) < rowLimit {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return s.guardFailure(ctx, query, start, err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return s.guardFailure(ctx, query, start, err)
	}
	result.Count = len(result.Rows)

	elapsed := time.Since(start)
	logging.GuardDebug("query returned %d rows in %v", len(result.Rows), elapsed)
	logging.Audit().QueryExecuted(query, len(result.Rows), elapsed.Milliseconds(), nil)
	return result
}

// guardFailure classifies an execution fault. Full detail is logged
// server-side; the returned message is sanitized for the caller.
func (s *Store) guardFailure(ctx context.Context, query string, start time.Time, err error) *schema.QueryResult {
	elapsed := time.Since(start)
	logging.Get(logging.CategoryGuard).Error("query failed after %v: %v (query: %s)", elapsed, err, query)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logging.Audit().QueryTimedOut(query, elapsed.Milliseconds())
		return &schema.QueryResult{Error: "timed out"}
	}

	logging.Audit().QueryExecuted(query, 0, elapsed.Milliseconds(), err)
	return &schema.QueryResult{Error: "SQL execution error: " + sanitizeEngineError(err)}
}

// sanitizeEngineError keeps the engine's message (the model needs
// "no such column: X" to self-correct) but strips anything that looks
// like a filesystem path.
func sanitizeEngineError(err error) string {
	msg := err.Error()
	fields := strings.Fields(msg)
	for i, f := range fields {
		if strings.ContainsRune(f, '/') && strings.Count(f, "/") > 1 {
			fields[i] = "<path>"
		}
	}
	return strings.Join(fields, " ")
}

// validateReadOnlyQuery returns a rejection reason, or "" when the
// query is a single SELECT statement. Comments and string literals are
// stripped before inspection so keywords hidden inside them cannot
// confuse the check, and hostile keywords inside literals cannot
// trigger false rejections.
func validateReadOnlyQuery(query string) string {
	stripped := stripLiteralsAndComments(query)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return "empty query"
	}

	// A single trailing semicolon is tolerated; anything after one is a
	// second statement.
	if idx := strings.IndexByte(trimmed, ';'); idx >= 0 {
		rest := strings.TrimSpace(trimmed[idx+1:])
		if rest != "" {
			return "multiple statements are not allowed"
		}
		trimmed = strings.TrimSpace(trimmed[:idx])
		if trimmed == "" {
			return "empty query"
		}
	}

	first := strings.ToUpper(firstWord(trimmed))
	switch first {
	case "SELECT":
		return ""
	case "WITH":
		// CTE-shaped queries are fine as long as the body is a SELECT.
		if !containsWord(strings.ToUpper(trimmed), "SELECT") {
			return "only SELECT statements are allowed"
		}
		for _, kw := range []string{"INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "DROP", "ALTER"} {
			if containsWord(strings.ToUpper(trimmed), kw) {
				return "only SELECT statements are allowed"
			}
		}
		return ""
	default:
		return "only SELECT statements are allowed"
	}
}

// stripLiteralsAndComments removes SQL string literals, quoted
// identifiers, line comments, and block comments, replacing each with a
// single space.
func stripLiteralsAndComments(query string) string {
	var b strings.Builder
	b.Grow(len(query))

	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == '\'' || c == '"':
			quote := c
			i++
			for i < len(query) {
				if query[i] == quote {
					// Doubled quote is an escaped quote inside the literal.
					if i+1 < len(query) && query[i+1] == quote {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			b.WriteByte(' ')
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			i += 2
			for i+1 < len(query) && !(query[i] == '*' && query[i+1] == '/') {
				i++
			}
			if i+1 < len(query) {
				i += 2
			} else {
				i = len(query)
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	for i, r := range s {
		if unicode.IsSpace(r) || r == '(' {
			return s[:i]
		}
	}
	return s
}

// containsWord reports whether word appears in s on a word boundary.
func containsWord(s, word string) bool {
	for start := 0; ; {
		idx := strings.Index(s[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(word)
		beforeOK := idx == 0 || !isWordByte(s[idx-1])
		afterOK := end == len(s) || !isWordByte(s[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
