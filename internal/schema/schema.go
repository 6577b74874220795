// Package schema defines the shared vocabulary of the trace retrieval
// engine: trace and span records, the attribute keys the tracing SDK
// emits, chat transcript roles, and the payload shapes crossing the
// store, librarian, and API boundaries.
package schema

import (
	"fmt"
	"time"
)

// Trace lifecycle states.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusNeedsReview = "needs_review"
	StatusFailed      = "failed"
)

// ValidStatus reports whether s is a known trace status.
func ValidStatus(s string) bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusNeedsReview, StatusFailed:
		return true
	}
	return false
}

// Span type attribute values.
const (
	SpanTypeLLMInference  = "llm_inference"
	SpanTypeToolExecution = "tool_execution"
)

// Span attribute keys emitted by the tracing SDK.
const (
	KeySpanType       = "toolbrain.span.type"
	KeyToolName       = "toolbrain.tool.name"
	KeyToolInput      = "toolbrain.tool.input"
	KeyToolOutput     = "toolbrain.tool.output"
	KeyLLMThought     = "toolbrain.llm.thought"
	KeyLLMToolCode    = "toolbrain.llm.tool_code"
	KeyLLMFinalAnswer = "toolbrain.llm.final_answer"
	KeyEpisodeID      = "toolbrain.episode.id"
	KeySystemPrompt   = "system_prompt"
)

// Chat transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Trace is one recorded agent run.
type Trace struct {
	ID           string                 `json:"id"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	EpisodeID    string                 `json:"episode_id,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Status       string                 `json:"status"`
	Priority     int                    `json:"priority"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	Feedback     *Feedback              `json:"feedback,omitempty"`
	AIEvaluation string                 `json:"ai_evaluation,omitempty"`
	HasEmbedding bool                   `json:"has_embedding"`
	Spans        []Span                 `json:"spans,omitempty"`
}

// Span is one operation inside a trace.
type Span struct {
	ID         int64                  `json:"id"`
	SpanID     string                 `json:"span_id"`
	TraceID    string                 `json:"trace_id"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Name       string                 `json:"name"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    time.Time              `json:"end_time"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Feedback is a human rating attached to a trace.
type Feedback struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// TracePayload is the ingest shape accepted by the store (and the
// /traces endpoint). Timestamps arrive as ISO-8601 strings.
type TracePayload struct {
	TraceID    string                 `json:"trace_id"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Spans      []SpanPayload          `json:"spans,omitempty"`
}

// SpanPayload is one span in a TracePayload.
type SpanPayload struct {
	SpanID     string                 `json:"span_id"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Name       string                 `json:"name"`
	StartTime  string                 `json:"start_time"`
	EndTime    string                 `json:"end_time"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ChatMessage is one entry in a librarian conversation transcript.
type ChatMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // user, assistant, tool
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryResult is the outcome of a guarded SQL execution. Exactly one of
// Rows or Error is meaningful: guard failures are values, not Go errors.
type QueryResult struct {
	Columns []string                 `json:"columns,omitempty"`
	Rows    []map[string]interface{} `json:"rows,omitempty"`
	Count   int                      `json:"count"`
	Error   string                   `json:"error,omitempty"`
}

// Failed reports whether the guarded execution produced an error value.
func (r *QueryResult) Failed() bool { return r.Error != "" }

// SimilarityResult is one hit from the experience similarity search.
type SimilarityResult struct {
	TraceID      string    `json:"trace_id"`
	Similarity   float64   `json:"similarity"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Feedback     *Feedback `json:"feedback,omitempty"`
	AIEvaluation string    `json:"ai_evaluation,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Suggestion is one follow-up query offered to the user.
type Suggestion struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Answer is the librarian's structured reply.
type Answer struct {
	Answer      string       `json:"answer"`
	Suggestions []Suggestion `json:"suggestions"`
	Sources     []string     `json:"sources"`
	SessionID   string       `json:"session_id,omitempty"`
}

// Stats summarizes the stored corpus.
type Stats struct {
	TotalTraces        int     `json:"total_traces"`
	TotalSpans         int     `json:"total_spans"`
	TracesWithFeedback int     `json:"traces_with_feedback"`
	TracesLast24h      int     `json:"traces_last_24h"`
	AvgSpansPerTrace   float64 `json:"avg_spans_per_trace"`
}

// ToolUsage is one row of the tool usage analytics.
type ToolUsage struct {
	ToolName string `json:"tool_name"`
	Count    int    `json:"count"`
}

// timestampLayouts covers the ISO-8601 variants emitted by tracing SDKs.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp normalizes an ISO-8601 string to a UTC time. Inputs
// without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
