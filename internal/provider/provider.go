// Package provider abstracts the chat completion vendors the librarian
// can run against. Each provider starts stateful conversations that
// carry the transcript, tool definitions, and vendor wire format, so
// the agent loop never sees vendor JSON.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ToolResult is the outcome of executing a requested tool call.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// Response is one model turn: free text, tool calls, or both.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// Provider is a configured chat completion vendor.
type Provider interface {
	Name() string
	Model() string
	// SupportsToolCalls reports whether the vendor exposes native
	// function calling. Without it the librarian falls back to
	// extracting SQL from plain text.
	SupportsToolCalls() bool
	// StartConversation opens a fresh transcript with the given system
	// prompt and tool set.
	StartConversation(systemPrompt string, tools []ToolDefinition) Conversation
}

// Conversation is a stateful exchange with the model. Implementations
// append every turn to their transcript, so alternating Send and
// SendToolResults drives a multi-turn tool loop.
type Conversation interface {
	Send(ctx context.Context, userMessage string) (*Response, error)
	SendToolResults(ctx context.Context, results []ToolResult) (*Response, error)
}

// Options configures a provider.
type Options struct {
	Provider string // anthropic, openai, gemini, ollama
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// New builds the provider named in opts.
func New(opts Options) (Provider, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	switch strings.ToLower(opts.Provider) {
	case "anthropic":
		return newAnthropicProvider(opts)
	case "openai":
		return newOpenAIProvider(opts)
	case "gemini":
		return newGeminiProvider(opts)
	case "ollama":
		return newOllamaProvider(opts)
	default:
		return nil, fmt.Errorf("unknown provider: %s", opts.Provider)
	}
}
