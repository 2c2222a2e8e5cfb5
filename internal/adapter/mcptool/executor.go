// Package mcptool implements the tool executor port by calling an external
// MCP server (calendar, mail, CRM bridges).
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/tool"
)

// Supported MCP transports.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// ServerConfig describes how to reach the MCP server.
type ServerConfig struct {
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

// Executor calls tools on a single MCP server connection.
type Executor struct {
	client mcpclient.MCPClient
}

// New wraps an already-initialized MCP client.
func New(client mcpclient.MCPClient) *Executor {
	return &Executor{client: client}
}

// Connect builds the MCP client for the given server, performs the
// initialize handshake, and returns an executor bound to it.
func Connect(ctx context.Context, cfg ServerConfig) (*Executor, error) {
	client, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{
		Name:    "agentd",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}

	return &Executor{client: client}, nil
}

// Execute runs the named tool on the MCP server. Connection failures are
// transient; a tool-reported error is permanent.
func (e *Executor) Execute(ctx context.Context, name tool.Name, input map[string]any) (map[string]any, error) {
	req := mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      string(name),
			Arguments: input,
		},
	}

	result, err := e.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mcp call %s: %v: %w", name, err, domain.ErrTransientProvider)
	}

	text := firstText(result)
	if result.IsError {
		return nil, fmt.Errorf("tool %s failed: %s", name, text)
	}

	// Tool output is conventionally a JSON object; plain text is wrapped.
	out := map[string]any{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		out = map[string]any{"text": text}
	}
	return out, nil
}

// Backend names the dependency for breaker wiring.
func (e *Executor) Backend() string { return "mcp" }

// Close shuts down the MCP connection.
func (e *Executor) Close() error {
	return e.client.Close()
}

func createClient(cfg ServerConfig) (mcpclient.MCPClient, error) {
	switch cfg.Transport {
	case TransportStdio:
		return mcpclient.NewStdioMCPClient(cfg.Command, envMapToSlice(cfg.Env), cfg.Args...)

	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

func firstText(result *mcplib.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(mcplib.TextContent); ok {
			return text.Text
		}
	}
	return ""
}

// envMapToSlice converts a map to the KEY=VALUE slice format expected by exec.Cmd.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
