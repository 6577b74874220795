package librarian

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
)

// Model replies are an untrusted format: parse strictly first, then
// peel code fences, then fall back to regex extraction. Callers always
// get a fully-typed value or a clear false.

var (
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
	selectStmtRe = regexp.MustCompile(`(?is)\b(?:select|with)\b.*?\bfrom\b[^;]*`)
	sqlLeakRe    = regexp.MustCompile(`(?is)\bselect\b\s.*?\bfrom\b\s`)
	fenceRe      = regexp.MustCompile("(?s)```[a-zA-Z]*\\n?(.*?)```")
)

// ParseAnswer decodes a model reply into the structured answer shape.
// The second return is false when no JSON object with an answer field
// could be recovered.
func ParseAnswer(text string) (*schema.Answer, bool) {
	text = strings.TrimSpace(text)

	for _, candidate := range answerCandidates(text) {
		var a schema.Answer
		if err := json.Unmarshal([]byte(candidate), &a); err == nil && a.Answer != "" {
			if a.Suggestions == nil {
				a.Suggestions = []schema.Suggestion{}
			}
			if a.Sources == nil {
				a.Sources = []string{}
			}
			return &a, true
		}
	}
	return nil, false
}

// answerCandidates yields successively looser slices of the reply to
// try as JSON: the raw text, fenced blocks, then the widest {...} span.
func answerCandidates(text string) []string {
	candidates := []string{text}
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if obj := jsonObjectRe.FindString(text); obj != "" {
		candidates = append(candidates, obj)
	}
	return candidates
}

// ExtractSQL pulls a single SELECT statement out of a free-text reply.
// Returns "" when none is found.
func ExtractSQL(text string) string {
	text = strings.TrimSpace(text)

	// A JSON reply may carry the statement under a sql or query key.
	var keyed map[string]interface{}
	for _, candidate := range answerCandidates(text) {
		if err := json.Unmarshal([]byte(candidate), &keyed); err == nil {
			for _, key := range []string{"sql", "query"} {
				if v, ok := keyed[key].(string); ok && v != "" {
					return strings.TrimSpace(v)
				}
			}
		}
	}

	// Fenced code blocks next; the fence content is usually exactly the
	// statement.
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if stmt := selectStmtRe.FindString(body); stmt != "" {
			return strings.TrimSpace(stmt)
		}
	}

	if stmt := selectStmtRe.FindString(text); stmt != "" {
		return strings.TrimSpace(stmt)
	}
	return ""
}

// ContainsSQL reports whether free text carries what looks like a
// SELECT statement. Used to catch the model echoing SQL to the user.
func ContainsSQL(text string) bool {
	return sqlLeakRe.MatchString(text)
}
