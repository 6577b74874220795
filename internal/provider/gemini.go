package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider talks to the Gemini generateContent API.
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func newGeminiProvider(opts Options) (*GeminiProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := opts.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (p *GeminiProvider) Name() string            { return "gemini" }
func (p *GeminiProvider) Model() string           { return p.model }
func (p *GeminiProvider) SupportsToolCalls() bool { return true }

func (p *GeminiProvider) StartConversation(systemPrompt string, tools []ToolDefinition) Conversation {
	conv := &geminiConversation{provider: p, system: systemPrompt}
	if len(tools) > 0 {
		decls := make([]geminiFunctionDecl, len(tools))
		for i, t := range tools {
			decls[i] = geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			}
		}
		conv.tools = []geminiToolSet{{FunctionDeclarations: decls}}
	}
	return conv
}

type geminiConversation struct {
	provider *GeminiProvider
	system   string
	tools    []geminiToolSet
	contents []geminiContent
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiFunctionDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	Tools             []geminiToolSet `json:"tools,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *geminiConversation) Send(ctx context.Context, userMessage string) (*Response, error) {
	c.contents = append(c.contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: userMessage}},
	})
	return c.complete(ctx)
}

func (c *geminiConversation) SendToolResults(ctx context.Context, results []ToolResult) (*Response, error) {
	// Gemini has no tool call ids; responses are matched by function
	// name, which ToolResult carries.
	parts := make([]geminiPart, len(results))
	for i, r := range results {
		parts[i] = geminiPart{FunctionResponse: &geminiFunctionResponse{
			Name: r.Name,
			Response: map[string]interface{}{
				"content":  r.Content,
				"is_error": r.IsError,
			},
		}}
	}
	c.contents = append(c.contents, geminiContent{Role: "user", Parts: parts})
	return c.complete(ctx)
}

func (c *geminiConversation) complete(ctx context.Context) (*Response, error) {
	p := c.provider
	start := time.Now()
	logging.ProviderDebug("[gemini] completing: model=%s contents=%d", p.model, len(c.contents))

	reqBody := geminiRequest{
		Contents: c.contents,
		Tools:    c.tools,
		GenerationConfig: geminiGenConfig{
			Temperature:     0.1,
			MaxOutputTokens: 4096,
		},
	}
	if c.system != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: c.system}}}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	var resp geminiResponse
	err := postJSON(ctx, p.httpClient, url, nil, reqBody, &resp)
	elapsed := time.Since(start)
	if err != nil {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, err.Error())
		return nil, err
	}
	if resp.Error != nil {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, resp.Error.Message)
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), false, "no candidates returned")
		return nil, fmt.Errorf("no completion returned")
	}

	candidate := resp.Candidates[0]
	c.contents = append(c.contents, candidate.Content)

	result := &Response{StopReason: candidate.FinishReason}
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:    part.FunctionCall.Name,
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
		}
	}
	result.Text = strings.TrimSpace(text.String())

	logging.Provider("[gemini] completed in %v text_len=%d tool_calls=%d finish_reason=%s",
		elapsed, len(result.Text), len(result.ToolCalls), result.StopReason)
	logging.Audit().LLMCall(p.model, elapsed.Milliseconds(), true, "")
	return result, nil
}
