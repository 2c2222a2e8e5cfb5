// Package gateway provides the HTTP client for an OpenAI-compatible model
// gateway (/v1/chat/completions). Primary and secondary providers are two
// Client instances pointed at different models; the service layer routes
// between them through the breaker registry.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/port/modelprovider"
)

const completionsPath = "/v1/chat/completions"

// Client talks to one model behind the gateway.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	model   string

	// httpClient bounds blocking calls; streamClient has no overall
	// timeout because it would cut long streams short. Stream lifetime is
	// governed by the caller's context.
	httpClient   *http.Client
	streamClient *http.Client

	tools *tool.Registry
}

// NewClient creates a gateway client. name identifies the provider for logs
// and breaker wiring ("primary", "secondary").
func NewClient(name, baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		name:         name,
		baseURL:      baseURL,
		apiKey:       apiKey,
		model:        model,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// SetToolCatalog attaches the tool registry so requests can carry function
// declarations with their JSON schemas.
func (c *Client) SetToolCatalog(reg *tool.Registry) {
	c.tools = reg
}

// Name identifies the provider.
func (c *Client) Name() string { return c.name }

// Invoke performs a blocking chat completion call.
func (c *Client) Invoke(ctx context.Context, req modelprovider.Request) (*modelprovider.Response, error) {
	body, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	data, err := c.post(ctx, c.httpClient, body, func(resp *http.Response) ([]byte, error) {
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}

	var completion chatCompletion
	if err := json.Unmarshal(data, &completion); err != nil {
		return nil, fmt.Errorf("unmarshal gateway response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("gateway %s returned no choices", c.name)
	}

	choice := completion.Choices[0]
	out := &modelprovider.Response{Text: choice.Message.Content}
	if completion.Usage != nil {
		out.Usage = modelprovider.Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		}
	}

	for _, tc := range choice.Message.ToolCalls {
		call, err := decodeToolCall(tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		out.ToolCalls = append(out.ToolCalls, *call)
	}
	return out, nil
}

// Stream starts a streaming chat completion call. The returned channel
// carries tokens in arrival order and closes after the terminal chunk.
func (c *Client) Stream(ctx context.Context, req modelprovider.Request) (<-chan modelprovider.Chunk, error) {
	body, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, c.classifyStatus(resp.StatusCode, data)
	}

	ch := make(chan modelprovider.Chunk)
	go c.decodeStream(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) buildRequest(req modelprovider.Request, stream bool) chatRequest {
	out := chatRequest{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.System})
	}
	out.Messages = append(out.Messages, chatMessage{Role: "user", Content: req.Prompt})

	if req.JSONMode {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if c.tools != nil {
		for _, name := range req.Tools {
			spec, err := c.tools.Get(name)
			if err != nil {
				continue
			}
			out.Tools = append(out.Tools, chatTool{
				Type: "function",
				Function: chatFunction{
					Name:        string(spec.Name),
					Description: spec.Description,
					Parameters:  json.RawMessage(spec.InputSchema),
				},
			})
		}
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) post(ctx context.Context, client *http.Client, body []byte, read func(*http.Response) ([]byte, error)) ([]byte, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, c.classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := read(resp)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %v: %w", err, domain.ErrTransientProvider)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp.StatusCode, data)
	}
	return data, nil
}

// classifyTransportError maps connection errors and client-side timeouts to
// ErrTransientProvider. Caller cancellation passes through untouched.
func (c *Client) classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("gateway %s request: %v: %w", c.name, err, domain.ErrTransientProvider)
}

// classifyStatus maps 5xx to ErrTransientProvider; 4xx are permanent.
func (c *Client) classifyStatus(status int, body []byte) error {
	if status >= 500 {
		return fmt.Errorf("gateway %s status %d: %s: %w", c.name, status, truncate(body), domain.ErrTransientProvider)
	}
	return fmt.Errorf("gateway %s status %d: %s", c.name, status, truncate(body))
}

func decodeToolCall(name, arguments string) (*modelprovider.ToolCallRequest, error) {
	input := map[string]any{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &input); err != nil {
			return nil, fmt.Errorf("decode tool call arguments for %s: %w", name, err)
		}
	}
	return &modelprovider.ToolCallRequest{Name: tool.Name(name), Input: input}, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// Wire types for the OpenAI-compatible chat completions API.

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Tools          []chatTool      `json:"tools,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
