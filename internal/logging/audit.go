package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names a structured audit event.
type AuditEventType string

const (
	// Guarded SQL execution -> the security-relevant trail.
	AuditQueryExecute AuditEventType = "query_execute"
	AuditQueryReject  AuditEventType = "query_reject"
	AuditQueryTimeout AuditEventType = "query_timeout"

	// Librarian agent turns.
	AuditTurnStart AuditEventType = "turn_start"
	AuditTurnEnd   AuditEventType = "turn_end"
	AuditToolCall  AuditEventType = "tool_call"

	// LLM provider traffic.
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"
)

// AuditEvent is one JSONL audit record.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	SessionID  string                 `json:"session,omitempty"`
	Target     string                 `json:"target,omitempty"` // SQL text, tool name, model name
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes structured events, optionally scoped to a session.
type AuditLogger struct {
	sessionID string
}

// InitAudit opens the audit log. No-op unless debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		return nil
	}

	optsMu.RLock()
	dir := opts.Dir
	optsMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_audit.log", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession returns an audit logger scoped to one conversation.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// Log writes one audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// QueryExecuted records a guarded SQL execution outcome.
func (a *AuditLogger) QueryExecuted(sql string, rows int, durationMs int64, err error) {
	event := AuditEvent{
		EventType:  AuditQueryExecute,
		Target:     sql,
		Success:    err == nil,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"rows": rows},
	}
	if err != nil {
		event.Error = err.Error()
	}
	a.Log(event)
}

// QueryRejected records a statement the guard refused to run.
func (a *AuditLogger) QueryRejected(sql, reason string) {
	a.Log(AuditEvent{
		EventType: AuditQueryReject,
		Target:    sql,
		Success:   false,
		Error:     reason,
	})
}

// QueryTimedOut records a statement that hit the execution deadline.
func (a *AuditLogger) QueryTimedOut(sql string, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditQueryTimeout,
		Target:     sql,
		Success:    false,
		DurationMs: durationMs,
	})
}

// ToolCall records one librarian tool invocation.
func (a *AuditLogger) ToolCall(tool string, iteration int, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditToolCall,
		Target:    tool,
		Success:   success,
		Error:     errMsg,
		Fields:    map[string]interface{}{"iteration": iteration},
	})
}

// TurnStart records the beginning of a librarian turn.
func (a *AuditLogger) TurnStart(question string) {
	a.Log(AuditEvent{
		EventType: AuditTurnStart,
		Success:   true,
		Fields:    map[string]interface{}{"question_len": len(question)},
	})
}

// TurnEnd records the end of a librarian turn with its terminal state.
func (a *AuditLogger) TurnEnd(state string, durationMs int64, success bool) {
	a.Log(AuditEvent{
		EventType:  AuditTurnEnd,
		Success:    success,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"state": state},
	})
}

// LLMCall records a provider round trip.
func (a *AuditLogger) LLMCall(model string, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if !success {
		eventType = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
	})
}
