// Package modelprovider defines the port to a reasoning model behind the
// gateway. Primary and secondary providers implement the same interface so
// the breaker-driven fallback is invisible to callers.
package modelprovider

import (
	"context"

	"github.com/cscx-ai/agentd/internal/domain/tool"
)

// Request is one model invocation.
type Request struct {
	System      string
	Prompt      string
	JSONMode    bool
	Tools       []tool.Name
	MaxTokens   int
	Temperature float64
}

// ToolCallRequest is a tool invocation the model asked for.
type ToolCallRequest struct {
	Name  tool.Name      `json:"name"`
	Input map[string]any `json:"input"`
}

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the non-streaming result of one call.
type Response struct {
	Text      string
	ToolCalls []ToolCallRequest
	Usage     Usage
}

// Chunk is one element of a model stream. Exactly one terminal chunk
// (Done or Err set) arrives per stream, after which the channel closes.
// A cancelled stream may close without a terminal chunk.
type Chunk struct {
	Token    string
	ToolCall *ToolCallRequest
	Done     bool
	Usage    *Usage
	Err      error
}

// Provider invokes the model. Implementations classify network failures
// and 5xx responses as domain.ErrTransientProvider so callers can retry
// and count them against the breaker.
type Provider interface {
	// Invoke performs a blocking call and returns the full response.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// Stream starts a streaming call. The returned channel is closed
	// after the terminal chunk. Cancelling ctx stops the stream at the
	// next chunk boundary.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)

	// Name identifies the provider for logs and breaker wiring.
	Name() string
}
