package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cscx-ai/agentd/internal/domain/event"
	"github.com/cscx-ai/agentd/internal/logger"
	"github.com/cscx-ai/agentd/internal/port/broadcast"
	"github.com/cscx-ai/agentd/internal/port/messagequeue"
)

// publishEvent wraps payload in an envelope and delivers it to the
// queue and the websocket hub. Delivery is best effort: a sink failure
// is logged and never fails the operation that raised the event.
func publishEvent(ctx context.Context, queue messagequeue.Queue, hub broadcast.Broadcaster, typ event.Type, stateID, userID string, payload any, now time.Time) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event payload", "type", typ, "error", err)
		return
	}
	env := event.Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		StateID:   stateID,
		UserID:    userID,
		Payload:   data,
		RequestID: logger.RequestID(ctx),
		CreatedAt: now,
	}
	if queue != nil {
		envData, err := json.Marshal(env)
		if err != nil {
			slog.Error("marshal event envelope", "type", typ, "error", err)
		} else if err := queue.Publish(ctx, string(typ), envData); err != nil {
			slog.Warn("event publish failed", "type", typ, "state_id", stateID, "error", err)
		}
	}
	if hub != nil {
		hub.Broadcast(ctx, env)
	}
}
