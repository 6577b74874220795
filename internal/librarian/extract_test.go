package librarian

import (
	"testing"
)

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
		want string
	}{
		{
			"strict json",
			`{"answer": "Three traces failed.", "suggestions": [], "sources": ["abc"]}`,
			true, "Three traces failed.",
		},
		{
			"fenced json",
			"Here you go:\n```json\n{\"answer\": \"All good.\", \"suggestions\": [], \"sources\": []}\n```",
			true, "All good.",
		},
		{
			"json buried in prose",
			`Sure! {"answer": "Two runs used the add tool.", "suggestions": [{"label": "Details", "value": "show them"}], "sources": []} Hope that helps.`,
			true, "Two runs used the add tool.",
		},
		{"plain prose", "There were three failures yesterday.", false, ""},
		{"empty answer field", `{"answer": "", "suggestions": []}`, false, ""},
		{"broken json", `{"answer": "unterminated`, false, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			answer, ok := ParseAnswer(tc.text)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if answer.Answer != tc.want {
				t.Errorf("answer = %q, want %q", answer.Answer, tc.want)
			}
			if answer.Suggestions == nil || answer.Sources == nil {
				t.Error("suggestions and sources must never be nil")
			}
		})
	}
}

func TestExtractSQL(t *testing.T) {
	tests := []struct {
		name, text, want string
	}{
		{"bare statement", "SELECT id FROM traces", "SELECT id FROM traces"},
		{
			"sql fence",
			"Here is the query:\n```sql\nSELECT COUNT(*) FROM traces WHERE status = 'failed'\n```",
			"SELECT COUNT(*) FROM traces WHERE status = 'failed'",
		},
		{
			"json sql key",
			`{"sql": "SELECT id FROM spans LIMIT 5"}`,
			"SELECT id FROM spans LIMIT 5",
		},
		{
			"json query key",
			`{"query": "SELECT 1 FROM traces"}`,
			"SELECT 1 FROM traces",
		},
		{
			"statement in prose",
			"I would run SELECT id FROM traces WHERE status = 'failed' to find them.",
			"SELECT id FROM traces WHERE status = 'failed' to find them.",
		},
		{"cte", "WITH recent AS (SELECT * FROM traces) SELECT id FROM recent", "WITH recent AS (SELECT * FROM traces) SELECT id FROM recent"},
		{"no sql", "I cannot answer that.", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractSQL(tc.text); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestContainsSQL(t *testing.T) {
	if !ContainsSQL("You can run SELECT * FROM traces to see them.") {
		t.Error("leaked SELECT not detected")
	}
	if ContainsSQL("Three traces completed and one failed.") {
		t.Error("false positive on plain prose")
	}
}
