// Package toolexec defines the port to the backends that actually perform
// tool calls (calendar, mail, documents, data query).
package toolexec

import (
	"context"

	"github.com/cscx-ai/agentd/internal/domain/tool"
)

// Executor performs tool calls against one backend. Input arrives already
// validated against the tool's schema.
type Executor interface {
	// Execute runs the named tool and returns its structured result.
	// Transient backend failures are classified as
	// domain.ErrTransientProvider.
	Execute(ctx context.Context, name tool.Name, input map[string]any) (map[string]any, error)

	// Backend names the external dependency for breaker wiring, e.g.
	// "mcp". Empty means in-process, no breaker.
	Backend() string
}
