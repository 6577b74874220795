package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to the OpenAI chat completions API. Any
// OpenAI-compatible endpoint works through BaseURL.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func newOpenAIProvider(opts Options) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai: API key not configured")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (p *OpenAIProvider) Name() string            { return "openai" }
func (p *OpenAIProvider) Model() string           { return p.model }
func (p *OpenAIProvider) SupportsToolCalls() bool { return true }

func (p *OpenAIProvider) StartConversation(systemPrompt string, tools []ToolDefinition) Conversation {
	openaiTools := make([]openaiTool, len(tools))
	for i, t := range tools {
		openaiTools[i] = openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	conv := &openaiConversation{provider: p, tools: openaiTools}
	if systemPrompt != "" {
		conv.messages = append(conv.messages, openaiMessage{Role: "system", Content: systemPrompt})
	}
	return conv
}

type openaiConversation struct {
	provider *OpenAIProvider
	tools    []openaiTool
	messages []openaiMessage
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openaiConversation) Send(ctx context.Context, userMessage string) (*Response, error) {
	c.messages = append(c.messages, openaiMessage{Role: "user", Content: userMessage})
	return c.complete(ctx)
}

func (c *openaiConversation) SendToolResults(ctx context.Context, results []ToolResult) (*Response, error) {
	for _, r := range results {
		c.messages = append(c.messages, openaiMessage{
			Role:       "tool",
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
		})
	}
	return c.complete(ctx)
}

func (c *openaiConversation) complete(ctx context.Context) (*Response, error) {
	p := c.provider
	start := time.Now()
	logging.ProviderDebug("[openai] completing: model=%s messages=%d tools=%d",
		p.model, len(c.messages), len(c.tools))

	reqBody := openaiRequest{
		Model:       p.model,
		Messages:    c.messages,
		Tools:       c.tools,
		Temperature: 0.1,
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}

	var resp openaiResponse
	err := postJSON(ctx, p.httpClient, p.baseURL+"/chat/completions", headers, reqBody, &resp)
	elapsed := time.Since(start)
	if err != nil {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, err.Error())
		return nil, err
	}
	if resp.Error != nil {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, resp.Error.Message)
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, "no choices returned")
		return nil, fmt.Errorf("no completion returned")
	}

	msg := resp.Choices[0].Message
	c.messages = append(c.messages, msg)

	result := &Response{
		Text:       strings.TrimSpace(msg.Content),
		StopReason: resp.Choices[0].FinishReason,
	}
	for _, tc := range msg.ToolCalls {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			logging.ProviderDebug("[openai] unparseable tool arguments for %s: %v", tc.Function.Name, err)
			input = map[string]interface{}{}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	logging.Provider("[openai] completed in %v text_len=%d tool_calls=%d finish_reason=%s",
		elapsed, len(result.Text), len(result.ToolCalls), result.StopReason)
	logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), true, "")
	return result, nil
}
