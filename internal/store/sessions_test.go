package store

import (
	"context"
	"testing"

	"github.com/ToolBrain/toolbrain-tracing/internal/schema"
)

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	exists, err := s.SessionExists(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionExists failed: %v", err)
	}
	if exists {
		t.Error("session should not exist yet")
	}

	if err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	// Idempotent.
	if err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("second EnsureSession failed: %v", err)
	}
	if err := s.EnsureSession(ctx, ""); err == nil {
		t.Error("expected error for empty session id")
	}

	exists, err = s.SessionExists(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionExists failed: %v", err)
	}
	if !exists {
		t.Error("session should exist")
	}
}

func TestSessionTranscriptOrder(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	turns := []struct{ role, content string }{
		{schema.RoleUser, "how many traces used the add tool?"},
		{schema.RoleTool, `{"columns":["n"],"rows":[{"n":3}]}`},
		{schema.RoleAssistant, "Three traces used the add tool."},
	}
	for _, turn := range turns {
		if err := s.AppendMessage(ctx, "sess-1", turn.role, turn.content); err != nil {
			t.Fatalf("AppendMessage(%s) failed: %v", turn.role, err)
		}
	}

	if err := s.AppendMessage(ctx, "sess-1", "narrator", "x"); err == nil {
		t.Error("expected error for invalid role")
	}

	messages, err := s.GetSessionMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	for i, turn := range turns {
		if messages[i].Role != turn.role || messages[i].Content != turn.content {
			t.Errorf("message %d = %s %q, want %s %q",
				i, messages[i].Role, messages[i].Content, turn.role, turn.content)
		}
	}

	other, err := s.GetSessionMessages(ctx, "sess-unknown")
	if err != nil {
		t.Fatalf("GetSessionMessages(unknown) failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unknown session returned %d messages", len(other))
	}
}
