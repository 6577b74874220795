// Package librarian drives the conversational retrieval loop: it turns
// a user's free-text question into guarded SQL executions and
// similarity searches, self-corrects on database errors within a
// bounded number of iterations, and abstains rather than invent data.
package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
	"github.com/ToolBrain/toolbrain-tracing/internal/provider"
	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
	"github.com/ToolBrain/toolbrain-tracing/internal/store"
)

// Terminal states of one query turn, recorded in the audit log.
const (
	stateAnswer        = "answer"
	stateAbstain       = "abstain"
	stateExhausted     = "exhausted"
	stateProviderFault = "provider_fault"
)

// exhaustedAnswerText is returned verbatim when the iteration bound is
// spent without a usable query.
const exhaustedAnswerText = "Unable to generate a valid SQL query. Please refine the question."

const providerFaultAnswerText = "I ran into a problem while answering that. Please try again in a moment."

// Librarian answers natural-language questions about stored traces.
//
// One AnswerQuery call is an independent unit of work. Concurrent turns
// on the same session id interleave their persisted messages without a
// lock; sessions are expected to be driven sequentially by a single
// caller.
type Librarian struct {
	store         *store.Store
	provider      provider.Provider
	maxIterations int
	minRating     int
	searchLimit   int
}

// Options configures a Librarian.
type Options struct {
	Store         *store.Store
	Provider      provider.Provider
	MaxIterations int // tool-exchange bound per query, default 3
	MinRating     int // similarity search feedback floor, default 4
	SearchLimit   int // similarity search result cap, default 3
}

// New builds a Librarian. Provider availability is this constructor's
// outcome; there is no hidden global gate.
func New(opts Options) (*Librarian, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("librarian requires a store")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("librarian requires a provider")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 3
	}
	if opts.MinRating <= 0 {
		opts.MinRating = 4
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 3
	}
	return &Librarian{
		store:         opts.Store,
		provider:      opts.Provider,
		maxIterations: opts.MaxIterations,
		minRating:     opts.MinRating,
		searchLimit:   opts.SearchLimit,
	}, nil
}

// AnswerQuery runs one turn of the retrieval protocol. Predictable
// failures (bad model SQL, empty results, provider faults, malformed
// replies) resolve into a well-formed answer; only persistence faults
// surface as errors. A blank sessionID starts a new session; the id in
// use is always echoed in the answer.
func (l *Librarian) AnswerQuery(ctx context.Context, question, sessionID string) (*schema.Answer, error) {
	start := time.Now()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	audit := logging.AuditWithSession(sessionID)
	audit.TurnStart(question)

	if err := l.store.EnsureSession(ctx, sessionID); err != nil {
		return nil, err
	}
	history, err := l.store.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// The question is persisted before any provider work so a crash
	// mid-turn cannot lose it.
	if err := l.store.AppendMessage(ctx, sessionID, schema.RoleUser, question); err != nil {
		return nil, err
	}

	toolCapable := l.provider.SupportsToolCalls()
	logging.Librarian("turn start: session=%s provider=%s tool_capable=%v history=%d",
		sessionID, l.provider.Name(), toolCapable, len(history))

	var tools []provider.ToolDefinition
	if toolCapable {
		tools = ToolDefinitions(l.minRating, l.searchLimit)
	}
	conv := l.provider.StartConversation(BuildSystemPrompt(toolCapable), tools)
	userPrompt := BuildUserPrompt(history, question)

	var answer *schema.Answer
	var state string
	if toolCapable {
		answer, state = l.runToolLoop(ctx, conv, sessionID, userPrompt)
	} else {
		answer, state = l.runTextLoop(ctx, conv, sessionID, userPrompt)
	}
	answer.SessionID = sessionID

	// The one place an assistant message is written: every terminal
	// branch funnels through here exactly once.
	if err := l.persistAnswer(ctx, sessionID, answer); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	audit.TurnEnd(state, elapsed.Milliseconds(), state != stateProviderFault)
	logging.Librarian("turn end: session=%s state=%s elapsed=%v", sessionID, state, elapsed)
	return answer, nil
}

func (l *Librarian) persistAnswer(ctx context.Context, sessionID string, answer *schema.Answer) error {
	payload, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to encode answer: %w", err)
	}
	return l.store.AppendMessage(ctx, sessionID, schema.RoleAssistant, string(payload))
}

// runToolLoop is the protocol for providers with native tool calling.
func (l *Librarian) runToolLoop(ctx context.Context, conv provider.Conversation, sessionID, userPrompt string) (*schema.Answer, string) {
	resp, err := conv.Send(ctx, userPrompt)

	for iter := 1; iter <= l.maxIterations; iter++ {
		if err != nil {
			return l.providerFault(err)
		}
		if len(resp.ToolCalls) == 0 {
			return l.synthesize(ctx, conv, resp.Text)
		}

		results, emptyResult := l.dispatchToolCalls(ctx, sessionID, iter, resp.ToolCalls)
		if emptyResult {
			// Zero rows is terminal: abstain rather than let the model
			// invent data. The tailored-abstain exchange rides on the
			// pending tool result so the transcript stays well-formed.
			return l.abstainViaTools(ctx, conv, results), stateAbstain
		}
		resp, err = conv.SendToolResults(ctx, results)
	}

	if err != nil {
		return l.providerFault(err)
	}
	if len(resp.ToolCalls) == 0 {
		return l.synthesize(ctx, conv, resp.Text)
	}
	logging.Librarian("iteration bound reached: session=%s", sessionID)
	return exhaustedAnswer(), stateExhausted
}

// dispatchToolCalls executes one batch of requested tool calls in
// order. The first execution-affecting outcome (guard error or empty
// result) short-circuits the remainder of the batch; the skipped calls
// still get placeholder results so every requested call is answered.
// The returned flag is true when a run_sql_query call succeeded with
// zero rows.
func (l *Librarian) dispatchToolCalls(ctx context.Context, sessionID string, iter int, calls []provider.ToolCall) ([]provider.ToolResult, bool) {
	audit := logging.AuditWithSession(sessionID)
	var results []provider.ToolResult

	for i, call := range calls {
		switch call.Name {
		case ToolRunSQLQuery:
			query, _ := call.Input["query"].(string)
			var result *schema.QueryResult
			if query == "" {
				result = &schema.QueryResult{Error: "missing required argument: query"}
			} else {
				result = l.store.ExecuteReadOnly(ctx, query, 0)
			}
			l.recordToolMessage(ctx, sessionID, call.Name, call.Input, result)
			audit.ToolCall(call.Name, iter, !result.Failed(), result.Error)

			content, _ := json.Marshal(result)
			results = append(results, provider.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    string(content),
				IsError:    result.Failed(),
			})

			if result.Failed() {
				logging.LibrarianDebug("query failed (iteration %d): %s", iter, result.Error)
				return padSkippedCalls(results, calls[i+1:]), false
			}
			if len(result.Rows) == 0 {
				logging.LibrarianDebug("query returned zero rows (iteration %d)", iter)
				return padSkippedCalls(results, calls[i+1:]), true
			}

		case ToolSearchSimilar:
			query, _ := call.Input["query"].(string)
			minRating := intArg(call.Input, "min_rating", l.minRating)
			limit := intArg(call.Input, "limit", l.searchLimit)

			// Embedding outages already degrade to an empty result in the
			// store; only database faults surface here, and those too are
			// advisory rather than fatal.
			hits, err := l.store.SearchSimilarExperiences(ctx, query, minRating, limit)
			if err != nil {
				logging.Get(logging.CategoryLibrarian).Warn("similarity search failed: %v", err)
				hits = []schema.SimilarityResult{}
			}
			l.recordToolMessage(ctx, sessionID, call.Name, call.Input, hits)
			audit.ToolCall(call.Name, iter, err == nil, "")

			content, _ := json.Marshal(hits)
			results = append(results, provider.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    string(content),
			})

		default:
			l.recordToolMessage(ctx, sessionID, call.Name, call.Input, "unknown tool")
			audit.ToolCall(call.Name, iter, false, "unknown tool")
			results = append(results, provider.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    fmt.Sprintf("unknown tool: %s", call.Name),
				IsError:    true,
			})
		}
	}
	return results, false
}

// padSkippedCalls answers the tool calls a short-circuit skipped.
// Providers that match results to requested calls by id reject a
// transcript with unanswered calls, so every id gets a placeholder.
func padSkippedCalls(results []provider.ToolResult, skipped []provider.ToolCall) []provider.ToolResult {
	for _, call := range skipped {
		results = append(results, provider.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    "skipped: an earlier call in this batch already decided the outcome",
		})
	}
	return results
}

// recordToolMessage logs the raw tool exchange as a tool-role message.
// Failures are logged, not fatal: losing a tool transcript entry must
// not abort the turn.
func (l *Librarian) recordToolMessage(ctx context.Context, sessionID, tool string, input, output interface{}) {
	record, err := json.Marshal(map[string]interface{}{
		"tool":   tool,
		"input":  input,
		"output": output,
	})
	if err != nil {
		logging.LibrarianDebug("failed to encode tool message: %v", err)
		return
	}
	if err := l.store.AppendMessage(ctx, sessionID, schema.RoleTool, string(record)); err != nil {
		logging.Get(logging.CategoryLibrarian).Warn("failed to persist tool message: %v", err)
	}
}

// runTextLoop is the protocol for providers without tool calling: ask
// for a bare SELECT, extract it, run it, and feed errors back.
func (l *Librarian) runTextLoop(ctx context.Context, conv provider.Conversation, sessionID, userPrompt string) (*schema.Answer, string) {
	audit := logging.AuditWithSession(sessionID)
	resp, err := conv.Send(ctx, userPrompt+"\n\nReply with exactly one SELECT statement that answers this question, and nothing else.")

	for iter := 1; iter <= l.maxIterations; iter++ {
		if err != nil {
			return l.providerFault(err)
		}

		stmt := ExtractSQL(resp.Text)
		if stmt == "" {
			logging.LibrarianDebug("no SELECT found in reply (iteration %d)", iter)
			resp, err = conv.Send(ctx, "No SELECT statement found in your reply. Reply with exactly one SELECT statement and nothing else.")
			continue
		}

		result := l.store.ExecuteReadOnly(ctx, stmt, 0)
		l.recordToolMessage(ctx, sessionID, ToolRunSQLQuery, map[string]interface{}{"query": stmt}, result)
		audit.ToolCall(ToolRunSQLQuery, iter, !result.Failed(), result.Error)

		if result.Failed() {
			resp, err = conv.Send(ctx, "The database returned an error:\n"+result.Error+"\nProduce a corrected SELECT statement, and nothing else.")
			continue
		}
		if len(result.Rows) == 0 {
			return l.abstainViaText(ctx, conv), stateAbstain
		}

		rows, _ := json.Marshal(result)
		resp, err = conv.Send(ctx, "Query results:\n"+string(rows)+"\n\nNow answer the original question in the required JSON shape. List the relevant trace ids in sources.")
		if err != nil {
			return l.providerFault(err)
		}
		return l.synthesize(ctx, conv, resp.Text)
	}
	return exhaustedAnswer(), stateExhausted
}

// synthesize turns the provider's final free-text reply into the
// structured answer, re-checking that no SQL leaks to the user.
func (l *Librarian) synthesize(ctx context.Context, conv provider.Conversation, text string) (*schema.Answer, string) {
	answer, ok := ParseAnswer(text)
	if !ok {
		logging.LibrarianDebug("reply did not parse as answer JSON; using raw text")
		answer = &schema.Answer{
			Answer:      text,
			Suggestions: []schema.Suggestion{},
			Sources:     []string{},
		}
	}

	if ContainsSQL(answer.Answer) {
		logging.LibrarianDebug("answer leaked SQL; issuing corrective exchange")
		resp, err := conv.Send(ctx, "Your answer contains raw SQL, which must not reach the user. Restate the answer in plain natural language, in the required JSON shape.")
		if err == nil {
			if corrected, ok := ParseAnswer(resp.Text); ok && !ContainsSQL(corrected.Answer) {
				return corrected, stateAnswer
			}
			if !ContainsSQL(resp.Text) && resp.Text != "" {
				answer.Answer = resp.Text
			}
		}
	}
	return answer, stateAnswer
}

const abstainInstruction = `The query returned zero rows: the data the user asked about does not exist in the store. Do not invent data and do not run more tools. Reply in the required JSON shape with a short clarifying question as the answer and up to four {label, value} suggestions for narrowing or redirecting the search.`

// abstainViaTools asks for a tailored clarification through the pending
// tool results; any failure falls back to the canned abstention.
func (l *Librarian) abstainViaTools(ctx context.Context, conv provider.Conversation, results []provider.ToolResult) *schema.Answer {
	if len(results) > 0 {
		results[len(results)-1].Content += "\n" + abstainInstruction
	}
	resp, err := conv.SendToolResults(ctx, results)
	return l.tailoredOrCannedAbstain(resp, err)
}

// abstainViaText is the same exchange for text-only providers.
func (l *Librarian) abstainViaText(ctx context.Context, conv provider.Conversation) *schema.Answer {
	resp, err := conv.Send(ctx, abstainInstruction)
	return l.tailoredOrCannedAbstain(resp, err)
}

func (l *Librarian) tailoredOrCannedAbstain(resp *provider.Response, err error) *schema.Answer {
	if err != nil {
		logging.LibrarianDebug("tailored abstain exchange failed: %v", err)
		return cannedAbstain()
	}
	answer, ok := ParseAnswer(resp.Text)
	if !ok || len(answer.Suggestions) == 0 {
		return cannedAbstain()
	}
	if len(answer.Suggestions) > 4 {
		answer.Suggestions = answer.Suggestions[:4]
	}
	return answer
}

// cannedAbstain is the fixed clarification used when the provider
// cannot supply a tailored one.
func cannedAbstain() *schema.Answer {
	return &schema.Answer{
		Answer: "I could not find any traces matching that. Could you broaden or adjust the search?",
		Suggestions: []schema.Suggestion{
			{Label: "Widen the time range", Value: "Show traces from the last 7 days"},
			{Label: "Search by episode", Value: "List all episodes with recorded traces"},
			{Label: "Search by tool", Value: "Which tools appear in the stored traces?"},
		},
		Sources: []string{},
	}
}

func exhaustedAnswer() *schema.Answer {
	return &schema.Answer{
		Answer:      exhaustedAnswerText,
		Suggestions: []schema.Suggestion{},
		Sources:     []string{},
	}
}

func (l *Librarian) providerFault(err error) (*schema.Answer, string) {
	logging.Get(logging.CategoryLibrarian).Error("provider exchange failed: %v", err)
	return &schema.Answer{
		Answer:      providerFaultAnswerText,
		Suggestions: []schema.Suggestion{},
		Sources:     []string{},
	}, stateProviderFault
}

// intArg reads an integer tool argument, tolerating the float64 that
// JSON decoding produces.
func intArg(input map[string]interface{}, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
