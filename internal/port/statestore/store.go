// Package statestore defines the durable execution-state port (interface).
package statestore

import (
	"context"

	"github.com/google/uuid"

	"github.com/cscx-ai/agentd/internal/domain/execution"
)

// Store is the port interface for execution-state persistence. Writers
// hold the version they read; Update rejects stale writers with
// domain.ErrConflict and bumps the version on success.
type Store interface {
	// Create persists a new execution record at version 1.
	Create(ctx context.Context, state *execution.State) error

	// Get returns the record by id, or domain.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*execution.State, error)

	// Update persists state if the stored version still equals
	// expectedVersion, then increments state.Version. A mismatch returns
	// domain.ErrConflict and writes nothing.
	Update(ctx context.Context, state *execution.State, expectedVersion int) error

	// ListPendingByUser returns the user's executions that are paused
	// waiting for an approval, oldest first.
	ListPendingByUser(ctx context.Context, userID string) ([]*execution.State, error)
}
