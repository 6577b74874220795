package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
)

// EnsureSession creates the chat session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return nil
}

// SessionExists reports whether a chat session row is present.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chat_sessions WHERE id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return true, nil
}

// AppendMessage adds one message to a session transcript.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	switch role {
	case schema.RoleUser, schema.RoleAssistant, schema.RoleTool:
	default:
		return fmt.Errorf("invalid message role: %s", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, role, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// GetSessionMessages returns a session's transcript in insertion order.
func (s *Store) GetSessionMessages(ctx context.Context, sessionID string) ([]schema.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}
	defer rows.Close()

	var messages []schema.ChatMessage
	for rows.Next() {
		var m schema.ChatMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if ts, err := schema.ParseTimestamp(createdAt); err == nil {
			m.CreatedAt = ts
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
