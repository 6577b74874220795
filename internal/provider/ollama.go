package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider talks to a local ollama server over /api/chat. Local
// models get no native function calling here; the librarian extracts
// SQL from plain text instead.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func newOllamaProvider(opts Options) (*OllamaProvider, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model := opts.Model
	if model == "" {
		model = "qwen3:8b"
	}
	return &OllamaProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (p *OllamaProvider) Name() string            { return "ollama" }
func (p *OllamaProvider) Model() string           { return p.model }
func (p *OllamaProvider) SupportsToolCalls() bool { return false }

func (p *OllamaProvider) StartConversation(systemPrompt string, _ []ToolDefinition) Conversation {
	conv := &ollamaConversation{provider: p}
	if systemPrompt != "" {
		conv.messages = append(conv.messages, ollamaMessage{Role: "system", Content: systemPrompt})
	}
	return conv
}

type ollamaConversation struct {
	provider *OllamaProvider
	messages []ollamaMessage
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (c *ollamaConversation) Send(ctx context.Context, userMessage string) (*Response, error) {
	c.messages = append(c.messages, ollamaMessage{Role: "user", Content: userMessage})
	return c.complete(ctx)
}

// SendToolResults feeds tool output back as a user turn since the chat
// endpoint has no tool role we rely on.
func (c *ollamaConversation) SendToolResults(ctx context.Context, results []ToolResult) (*Response, error) {
	var b strings.Builder
	for _, r := range results {
		if r.IsError {
			b.WriteString("Tool error: ")
		} else {
			b.WriteString("Tool result: ")
		}
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	c.messages = append(c.messages, ollamaMessage{Role: "user", Content: b.String()})
	return c.complete(ctx)
}

func (c *ollamaConversation) complete(ctx context.Context) (*Response, error) {
	p := c.provider
	start := time.Now()
	logging.ProviderDebug("[ollama] completing: model=%s messages=%d", p.model, len(c.messages))

	reqBody := ollamaChatRequest{
		Model:    p.model,
		Messages: c.messages,
		Stream:   false,
		Options:  ollamaOptions{Temperature: 0.1},
	}

	var resp ollamaChatResponse
	err := postJSON(ctx, p.httpClient, p.baseURL+"/api/chat", nil, reqBody, &resp)
	elapsed := time.Since(start)
	if err != nil {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, err.Error())
		return nil, err
	}
	if resp.Error != "" {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, resp.Error)
		return nil, fmt.Errorf("ollama error: %s", resp.Error)
	}

	c.messages = append(c.messages, resp.Message)

	result := &Response{Text: strings.TrimSpace(resp.Message.Content)}
	logging.Provider("[ollama] completed in %v text_len=%d", elapsed, len(result.Text))
	logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), true, "")
	return result, nil
}
