// Package broadcast defines the port for delivering real-time events to connected clients.
package broadcast

import (
	"context"

	"github.com/cscx-ai/agentd/internal/domain/event"
)

// Broadcaster fans an event envelope out to all connected clients.
// Delivery is best-effort; a slow or dead client never blocks the caller.
type Broadcaster interface {
	Broadcast(ctx context.Context, env event.Envelope)
}
