package librarian

import (
	"strings"

	"github.com/ToolBrain/toolbrain-tracing/internal/provider"
	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
)

// schemaDescription grounds the model in the queryable schema: table
// and column names, how span attributes are addressed, and worked
// query fragments. This is the model's only view of the database.
const schemaDescription = `You answer questions about stored agent execution traces by querying a SQLite database. Only SELECT statements are allowed; the database is read-only from your side.

Tables:

traces(id TEXT, system_prompt TEXT, episode_id TEXT, created_at DATETIME, status TEXT, priority INTEGER, attributes TEXT, feedback TEXT, ai_evaluation TEXT)
  - status is one of: running, completed, needs_review, failed
  - feedback is a JSON object like {"rating": 4, "comment": "..."}; use json_extract(feedback, '$.rating')
  - attributes is a JSON object of trace-level metadata

spans(id INTEGER, span_id TEXT, trace_id TEXT, parent_id TEXT, name TEXT, start_time DATETIME, end_time DATETIME, attributes TEXT)
  - attributes is a JSON object; keys contain dots, so quote them in paths:
    json_extract(attributes, '$."toolbrain.span.type"')   -> 'llm_inference' or 'tool_execution'
    json_extract(attributes, '$."toolbrain.tool.name"')   -> tool name of a tool_execution span
    json_extract(attributes, '$."toolbrain.llm.thought"') -> model reasoning of an llm_inference span

Example fragments:
  SELECT COUNT(*) FROM traces WHERE status = 'failed' AND created_at >= datetime('now', '-1 day')
  SELECT t.id, t.status FROM traces t JOIN spans s ON s.trace_id = t.id WHERE json_extract(s.attributes, '$."toolbrain.tool.name"') = 'add'
  SELECT json_extract(attributes, '$."toolbrain.tool.name"') AS tool, COUNT(*) FROM spans WHERE json_extract(attributes, '$."toolbrain.span.type"') = 'tool_execution' GROUP BY tool`

// answerShape fixes the required output format for the final reply.
const answerShape = `When you give your final answer, reply with exactly one JSON object and nothing else:
{"answer": "<natural-language answer, no SQL>", "suggestions": [{"label": "<short button text>", "value": "<follow-up question>"}], "sources": ["<trace id>"]}
The answer field must be plain natural language. Put the ids of traces your answer relies on in sources. Offer at most four suggestions.`

// BuildSystemPrompt assembles the librarian grounding prompt.
func BuildSystemPrompt(toolCapable bool) string {
	var b strings.Builder
	b.WriteString("You are the trace librarian, a careful assistant that answers questions about recorded agent runs.\n\n")
	b.WriteString(schemaDescription)
	b.WriteString("\n\n")
	if toolCapable {
		b.WriteString("Use the run_sql_query tool to read data and the search_similar_traces tool to recall relevant past experiences. Never fabricate data; if the database yields nothing, say so.\n\n")
	} else {
		b.WriteString("When asked for a query, reply with exactly one SELECT statement and nothing else. Never fabricate data.\n\n")
	}
	b.WriteString(answerShape)
	return b.String()
}

// BuildUserPrompt formats the prior transcript with the new question.
func BuildUserPrompt(history []schema.ChatMessage, question string) string {
	if len(history) == 0 {
		return question
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nNew question: ")
	b.WriteString(question)
	return b.String()
}

// Tool names offered to tool-capable providers.
const (
	ToolRunSQLQuery   = "run_sql_query"
	ToolSearchSimilar = "search_similar_traces"
)

// ToolDefinitions declares the two retrieval tools.
func ToolDefinitions(minRating, limit int) []provider.ToolDefinition {
	return []provider.ToolDefinition{
		{
			Name:        ToolRunSQLQuery,
			Description: "Execute a single read-only SELECT statement against the trace database and return the rows as JSON.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "A single SQLite SELECT statement.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolSearchSimilar,
			Description: "Find past traces semantically similar to a description, restricted to well-rated experiences. Advisory context, not authoritative data.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Natural-language description of the experience to recall.",
					},
					"min_rating": map[string]interface{}{
						"type":        "integer",
						"description": "Minimum feedback rating (1-5).",
						"default":     minRating,
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of results.",
						"default":     limit,
					},
				},
				"required": []string{"query"},
			},
		},
	}
}
