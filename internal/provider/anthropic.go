package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com/v1"

// AnthropicProvider talks to the Anthropic Messages API directly.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func newAnthropicProvider(opts Options) (*AnthropicProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key not configured")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	model := opts.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (p *AnthropicProvider) Name() string            { return "anthropic" }
func (p *AnthropicProvider) Model() string           { return p.model }
func (p *AnthropicProvider) SupportsToolCalls() bool { return true }

func (p *AnthropicProvider) StartConversation(systemPrompt string, tools []ToolDefinition) Conversation {
	anthropicTools := make([]anthropicTool, len(tools))
	for i, t := range tools {
		anthropicTools[i] = anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return &anthropicConversation{
		provider: p,
		system:   systemPrompt,
		tools:    anthropicTools,
	}
}

type anthropicConversation struct {
	provider *AnthropicProvider
	system   string
	tools    []anthropicTool
	messages []anthropicMessage
}

// Anthropic wire format. Content is always a block list so assistant
// tool_use turns and user tool_result turns round-trip unchanged.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// tool_use fields
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Error      *anthropicError         `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *anthropicConversation) Send(ctx context.Context, userMessage string) (*Response, error) {
	c.messages = append(c.messages, anthropicMessage{
		Role:    "user",
		Content: []anthropicContentBlock{{Type: "text", Text: userMessage}},
	})
	return c.complete(ctx)
}

func (c *anthropicConversation) SendToolResults(ctx context.Context, results []ToolResult) (*Response, error) {
	blocks := make([]anthropicContentBlock, len(results))
	for i, r := range results {
		blocks[i] = anthropicContentBlock{
			Type:      "tool_result",
			ToolUseID: r.ToolCallID,
			Content:   r.Content,
			IsError:   r.IsError,
		}
	}
	c.messages = append(c.messages, anthropicMessage{Role: "user", Content: blocks})
	return c.complete(ctx)
}

func (c *anthropicConversation) complete(ctx context.Context) (*Response, error) {
	p := c.provider
	start := time.Now()
	logging.ProviderDebug("[anthropic] completing: model=%s messages=%d tools=%d",
		p.model, len(c.messages), len(c.tools))

	reqBody := anthropicRequest{
		Model:       p.model,
		MaxTokens:   4096,
		System:      c.system,
		Messages:    c.messages,
		Tools:       c.tools,
		Temperature: 0.1,
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}

	var resp anthropicResponse
	err := postJSON(ctx, p.httpClient, p.baseURL+"/messages", headers, reqBody, &resp)
	elapsed := time.Since(start)
	if err != nil {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, err.Error())
		return nil, err
	}
	if resp.Error != nil {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, resp.Error.Message)
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}

	// The assistant turn goes back into the transcript verbatim so a
	// follow-up tool_result turn references valid tool_use blocks.
	c.messages = append(c.messages, anthropicMessage{Role: "assistant", Content: resp.Content})

	result := &Response{StopReason: resp.StopReason}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	result.Text = strings.TrimSpace(text.String())

	logging.Provider("[anthropic] completed in %v text_len=%d tool_calls=%d stop_reason=%s",
		elapsed, len(result.Text), len(result.ToolCalls), result.StopReason)
	logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), true, "")
	return result, nil
}
