package librarian

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ToolBrain/toolbrain-tracing/internal/provider"
	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
	"github.com/ToolBrain/toolbrain-tracing/internal/store"
)

// scriptedProvider plays back a fixed sequence of model responses so
// the protocol's state transitions can be tested deterministically.
type scriptedProvider struct {
	toolCapable bool
	conv        *scriptedConversation
}

func (p *scriptedProvider) Name() string            { return "scripted" }
func (p *scriptedProvider) Model() string           { return "scripted-model" }
func (p *scriptedProvider) SupportsToolCalls() bool { return p.toolCapable }

func (p *scriptedProvider) StartConversation(systemPrompt string, tools []provider.ToolDefinition) provider.Conversation {
	p.conv.systemPrompt = systemPrompt
	p.conv.tools = tools
	return p.conv
}

type scriptStep struct {
	resp *provider.Response
	err  error
}

type scriptedConversation struct {
	steps        []scriptStep
	idx          int
	systemPrompt string
	tools        []provider.ToolDefinition
	sent         []string
	toolResults  [][]provider.ToolResult
}

func (c *scriptedConversation) next() (*provider.Response, error) {
	if c.idx >= len(c.steps) {
		return &provider.Response{Text: "no more script"}, nil
	}
	step := c.steps[c.idx]
	c.idx++
	return step.resp, step.err
}

func (c *scriptedConversation) Send(_ context.Context, msg string) (*provider.Response, error) {
	c.sent = append(c.sent, msg)
	return c.next()
}

func (c *scriptedConversation) SendToolResults(_ context.Context, results []provider.ToolResult) (*provider.Response, error) {
	c.toolResults = append(c.toolResults, results)
	return c.next()
}

func toolCallResp(query string) *provider.Response {
	return &provider.Response{
		StopReason: "tool_use",
		ToolCalls: []provider.ToolCall{{
			ID:    "tu_1",
			Name:  ToolRunSQLQuery,
			Input: map[string]interface{}{"query": query},
		}},
	}
}

func answerResp(answer string, sources ...string) *provider.Response {
	a := schema.Answer{Answer: answer, Suggestions: []schema.Suggestion{}, Sources: sources}
	if a.Sources == nil {
		a.Sources = []string{}
	}
	data, _ := json.Marshal(a)
	return &provider.Response{Text: string(data), StopReason: "end_turn"}
}

func newTestLibrarian(t *testing.T, toolCapable bool, steps []scriptStep) (*Librarian, *store.Store, *scriptedConversation) {
	t.Helper()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "traces.db")})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	conv := &scriptedConversation{steps: steps}
	lib, err := New(Options{
		Store:    s,
		Provider: &scriptedProvider{toolCapable: toolCapable, conv: conv},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return lib, s, conv
}

func seedTrace(t *testing.T, s *store.Store, id, status string) {
	t.Helper()
	err := s.AddTrace(context.Background(), &schema.TracePayload{
		TraceID: id,
		Attributes: map[string]interface{}{
			"status": status,
		},
	})
	if err != nil {
		t.Fatalf("AddTrace failed: %v", err)
	}
}

func assistantMessages(t *testing.T, s *store.Store, sessionID string) []schema.ChatMessage {
	t.Helper()
	messages, err := s.GetSessionMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	var out []schema.ChatMessage
	for _, m := range messages {
		if m.Role == schema.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestAnswerQuerySynthesis(t *testing.T) {
	lib, s, conv := newTestLibrarian(t, true, []scriptStep{
		{resp: toolCallResp("SELECT id, status FROM traces WHERE status = 'failed'")},
		{resp: answerResp("One trace failed.", "t-fail")},
	})
	seedTrace(t, s, "t-fail", schema.StatusFailed)

	answer, err := lib.AnswerQuery(context.Background(), "which traces failed?", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if answer.Answer != "One trace failed." {
		t.Errorf("answer = %q", answer.Answer)
	}
	if len(answer.Sources) != 1 || answer.Sources[0] != "t-fail" {
		t.Errorf("sources = %v", answer.Sources)
	}
	if answer.SessionID == "" {
		t.Error("session id not generated")
	}
	if !strings.Contains(conv.systemPrompt, "traces(") {
		t.Error("system prompt missing the schema description")
	}
	if len(conv.tools) != 2 {
		t.Errorf("tools offered = %d, want 2", len(conv.tools))
	}

	// The tool result fed back must carry the guard's rows.
	if len(conv.toolResults) != 1 {
		t.Fatalf("tool result batches = %d, want 1", len(conv.toolResults))
	}
	if !strings.Contains(conv.toolResults[0][0].Content, "t-fail") {
		t.Errorf("tool result content = %q", conv.toolResults[0][0].Content)
	}

	assistant := assistantMessages(t, s, answer.SessionID)
	if len(assistant) != 1 {
		t.Fatalf("assistant messages = %d, want exactly 1", len(assistant))
	}
}

func TestAnswerQueryAbstainOnEmptyResult(t *testing.T) {
	// Second step is the tailored-abstain exchange; script a reply that
	// does not parse so the canned abstention is used.
	lib, s, _ := newTestLibrarian(t, true, []scriptStep{
		{resp: toolCallResp("SELECT id FROM traces WHERE status = 'failed'")},
		{resp: &provider.Response{Text: "hmm"}},
	})

	answer, err := lib.AnswerQuery(context.Background(), "which traces failed?", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if len(answer.Suggestions) == 0 {
		t.Error("abstain answer must carry suggestions")
	}
	if answer.Answer == "" {
		t.Error("abstain answer must not be empty")
	}
	for _, sg := range answer.Suggestions {
		if sg.Label == "" || sg.Value == "" {
			t.Errorf("suggestion incomplete: %+v", sg)
		}
	}

	assistant := assistantMessages(t, s, answer.SessionID)
	if len(assistant) != 1 || assistant[0].Content == "" {
		t.Fatalf("assistant messages = %+v, want exactly 1 non-empty", assistant)
	}
}

func TestAnswerQueryTailoredAbstain(t *testing.T) {
	tailored := &provider.Response{Text: `{"answer": "Nothing matched. Want a wider window?", "suggestions": [{"label": "Last week", "value": "traces from the last 7 days"}], "sources": []}`}

	lib, _, conv := newTestLibrarian(t, true, []scriptStep{
		{resp: toolCallResp("SELECT id FROM traces")},
		{resp: tailored},
	})

	answer, err := lib.AnswerQuery(context.Background(), "anything there?", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if answer.Answer != "Nothing matched. Want a wider window?" {
		t.Errorf("answer = %q", answer.Answer)
	}
	if len(answer.Suggestions) != 1 || answer.Suggestions[0].Label != "Last week" {
		t.Errorf("suggestions = %+v", answer.Suggestions)
	}
	// The abstain instruction rides on the pending tool result.
	if len(conv.toolResults) != 1 || !strings.Contains(conv.toolResults[0][0].Content, "zero rows") {
		t.Error("abstain instruction not delivered via tool result")
	}
}

func TestAnswerQueryErrorRecovery(t *testing.T) {
	lib, s, _ := newTestLibrarian(t, true, []scriptStep{
		{resp: toolCallResp("SELECT nonexistent FROM traces")},
		{resp: toolCallResp("SELECT id FROM traces WHERE status = 'completed'")},
		{resp: answerResp("One trace completed.", "t-ok")},
	})
	seedTrace(t, s, "t-ok", schema.StatusCompleted)

	answer, err := lib.AnswerQuery(context.Background(), "how many completed?", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if answer.Answer != "One trace completed." {
		t.Errorf("answer = %q, protocol should recover from the bad column", answer.Answer)
	}
}

func TestAnswerQueryBatchShortCircuitAnswersAllCalls(t *testing.T) {
	// Two calls in one batch with the first failing: the second is
	// skipped, but its id must still be answered or id-matching
	// providers reject the transcript.
	batch := &provider.Response{
		StopReason: "tool_use",
		ToolCalls: []provider.ToolCall{
			{ID: "tu_1", Name: ToolRunSQLQuery, Input: map[string]interface{}{"query": "SELECT nonexistent FROM traces"}},
			{ID: "tu_2", Name: ToolSearchSimilar, Input: map[string]interface{}{"query": "failed traces"}},
		},
	}
	lib, s, conv := newTestLibrarian(t, true, []scriptStep{
		{resp: batch},
		{resp: toolCallResp("SELECT id FROM traces WHERE status = 'completed'")},
		{resp: answerResp("One trace completed.", "t-ok")},
	})
	seedTrace(t, s, "t-ok", schema.StatusCompleted)

	answer, err := lib.AnswerQuery(context.Background(), "how many completed?", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if answer.Answer != "One trace completed." {
		t.Errorf("answer = %q, batch failure must stay recoverable", answer.Answer)
	}

	if len(conv.toolResults) < 1 {
		t.Fatal("no tool results sent")
	}
	first := conv.toolResults[0]
	if len(first) != 2 {
		t.Fatalf("first batch answered %d of 2 calls", len(first))
	}
	if first[0].ToolCallID != "tu_1" || !first[0].IsError {
		t.Errorf("first result = %+v, want the failed query", first[0])
	}
	if first[1].ToolCallID != "tu_2" || !strings.Contains(first[1].Content, "skipped") {
		t.Errorf("second result = %+v, want a skipped placeholder", first[1])
	}
}

func TestAnswerQueryExhausted(t *testing.T) {
	// The model never stops asking for broken queries.
	bad := func() scriptStep { return scriptStep{resp: toolCallResp("SELECT nope FROM nothing")} }
	lib, s, _ := newTestLibrarian(t, true, []scriptStep{bad(), bad(), bad(), bad(), bad()})

	answer, err := lib.AnswerQuery(context.Background(), "tell me things", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if answer.Answer != exhaustedAnswerText {
		t.Errorf("answer = %q, want the fixed fallback", answer.Answer)
	}

	assistant := assistantMessages(t, s, answer.SessionID)
	if len(assistant) != 1 {
		t.Fatalf("assistant messages = %d, want exactly 1", len(assistant))
	}
}

func TestAnswerQueryProviderFault(t *testing.T) {
	lib, s, _ := newTestLibrarian(t, true, []scriptStep{
		{err: context.DeadlineExceeded},
	})

	answer, err := lib.AnswerQuery(context.Background(), "hello?", "")
	if err != nil {
		t.Fatalf("AnswerQuery must resolve provider faults internally, got %v", err)
	}
	if answer.Answer != providerFaultAnswerText {
		t.Errorf("answer = %q", answer.Answer)
	}
	if len(assistantMessages(t, s, answer.SessionID)) != 1 {
		t.Error("fault answer must still be persisted")
	}
}

func TestAnswerQuerySQLLeakCorrection(t *testing.T) {
	leaky := &provider.Response{Text: `{"answer": "Run SELECT * FROM traces to see them.", "suggestions": [], "sources": []}`}
	lib, s, conv := newTestLibrarian(t, true, []scriptStep{
		{resp: toolCallResp("SELECT id FROM traces")},
		{resp: leaky},
		{resp: answerResp("There is one stored trace.")},
	})
	seedTrace(t, s, "t1", schema.StatusCompleted)

	answer, err := lib.AnswerQuery(context.Background(), "what is stored?", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if answer.Answer != "There is one stored trace." {
		t.Errorf("answer = %q, want the corrected reply", answer.Answer)
	}
	last := conv.sent[len(conv.sent)-1]
	if !strings.Contains(last, "natural language") {
		t.Errorf("corrective exchange missing, last sent = %q", last)
	}
}

func TestAnswerQueryTextFallbackScenario(t *testing.T) {
	// Providers without tool calling get the extract-a-SELECT path.
	sqlReply := &provider.Response{
		Text: "```sql\nSELECT id, status FROM traces WHERE status = 'failed' AND created_at >= datetime('now', '-1 day')\n```",
	}
	lib, s, conv := newTestLibrarian(t, false, []scriptStep{
		{resp: sqlReply},
		{resp: answerResp("1 trace failed in the last 24 hours.", "t-fail")},
	})
	seedTrace(t, s, "t-fail", schema.StatusFailed)

	answer, err := lib.AnswerQuery(context.Background(), "list failed traces from the last 24 hours", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if !strings.Contains(answer.Answer, "1 trace") {
		t.Errorf("answer = %q", answer.Answer)
	}
	if len(answer.Sources) != 1 || answer.Sources[0] != "t-fail" {
		t.Errorf("sources = %v", answer.Sources)
	}
	// Results must be handed back for composition.
	composed := conv.sent[len(conv.sent)-1]
	if !strings.Contains(composed, "t-fail") {
		t.Errorf("composition prompt missing query rows: %q", composed)
	}
}

func TestAnswerQueryTextFallbackReprompts(t *testing.T) {
	lib, _, conv := newTestLibrarian(t, false, []scriptStep{
		{resp: &provider.Response{Text: "I think you want failed traces."}},
		{resp: &provider.Response{Text: "Sorry. SELECT id FROM traces WHERE status = 'failed'"}},
		{resp: &provider.Response{Text: `{"answer": "None failed.", "suggestions": [], "sources": []}`}},
	})

	// Empty database: the extracted query succeeds with zero rows, so
	// the third step becomes the abstain exchange.
	answer, err := lib.AnswerQuery(context.Background(), "list failures", "")
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if len(conv.sent) < 3 {
		t.Fatalf("expected a re-prompt exchange, sent = %d", len(conv.sent))
	}
	if !strings.Contains(conv.sent[1], "No SELECT statement") {
		t.Errorf("re-prompt missing: %q", conv.sent[1])
	}
	if len(answer.Suggestions) == 0 {
		t.Error("empty result must end in an abstention with suggestions")
	}
}

func TestAnswerQuerySessionContinuity(t *testing.T) {
	lib, s, _ := newTestLibrarian(t, true, []scriptStep{
		{resp: answerResp("First answer.")},
		{resp: answerResp("Second answer.")},
	})

	first, err := lib.AnswerQuery(context.Background(), "question one", "")
	if err != nil {
		t.Fatalf("first AnswerQuery failed: %v", err)
	}
	before, _ := s.GetSessionMessages(context.Background(), first.SessionID)

	second, err := lib.AnswerQuery(context.Background(), "question two", first.SessionID)
	if err != nil {
		t.Fatalf("second AnswerQuery failed: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session id not echoed: %s vs %s", second.SessionID, first.SessionID)
	}

	after, _ := s.GetSessionMessages(context.Background(), first.SessionID)
	if len(after) != len(before)+2 {
		t.Errorf("messages = %d, want %d (append only)", len(after), len(before)+2)
	}
	for i, m := range before {
		if after[i].Role != m.Role || after[i].Content != m.Content {
			t.Errorf("earlier message %d mutated", i)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without store and provider")
	}
}
