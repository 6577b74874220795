package embedding

import "strings"

// GenAI embedding task types. EmbedContentConfig.TaskType is a plain
// string in the SDK, so the values are spelled out here.
const (
	TaskTypeRetrievalQuery    = "RETRIEVAL_QUERY"
	TaskTypeRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

// SelectTaskType picks the GenAI embedding task type for a text.
// Natural-language questions (what users type into the librarian) embed
// as retrieval queries; rendered trace documents embed as retrieval
// documents. Asymmetric task types improve retrieval quality over
// SEMANTIC_SIMILARITY for query-against-corpus search.
func SelectTaskType(text string) string {
	if IsQueryText(text) {
		return TaskTypeRetrievalQuery
	}
	return TaskTypeRetrievalDocument
}

// IsQueryText reports whether text looks like a user question rather
// than an indexed trace document.
func IsQueryText(text string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	for _, prefix := range []string{
		"what ", "which ", "how ", "why ", "when ", "where ", "who ",
		"show ", "list ", "find ", "search ", "get ", "count ", "did ", "is ", "are ",
	} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	// Trace documents are multi-line renderings; questions are short
	// single-line text.
	if !strings.Contains(trimmed, "\n") && len(trimmed) < 200 {
		return true
	}
	return false
}
