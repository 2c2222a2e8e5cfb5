// Package memstore implements the statestore port in memory, backing
// tests and database-less development runs.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/execution"
)

// Store keeps execution records as serialized JSON, so reads hand out
// independent copies and anything that would not survive a database
// round-trip fails here too.
type Store struct {
	mu     sync.RWMutex
	states map[uuid.UUID][]byte
	order  []uuid.UUID
	now    func() time.Time // for testing
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		states: make(map[uuid.UUID][]byte),
		now:    time.Now,
	}
}

// Create persists a new record at version 1.
func (s *Store) Create(_ context.Context, state *execution.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[state.ID]; exists {
		return fmt.Errorf("%w: execution %s already exists", domain.ErrConflict, state.ID)
	}

	now := s.now().UTC()
	state.Version = 1
	state.CreatedAt = now
	state.UpdatedAt = now

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serialize execution %s: %w", state.ID, err)
	}
	s.states[state.ID] = raw
	s.order = append(s.order, state.ID)
	return nil
}

// Get returns an independent copy of the record.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*execution.State, error) {
	s.mu.RLock()
	raw, ok := s.states[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: execution %s", domain.ErrNotFound, id)
	}
	return decode(raw)
}

// Update persists state when the stored version matches expectedVersion,
// bumping state.Version. Stale writers get domain.ErrConflict.
func (s *Store) Update(_ context.Context, state *execution.State, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.states[state.ID]
	if !ok {
		return fmt.Errorf("%w: execution %s", domain.ErrNotFound, state.ID)
	}
	stored, err := decode(raw)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: execution %s is at version %d, writer expected %d", domain.ErrConflict, state.ID, stored.Version, expectedVersion)
	}

	state.Version = expectedVersion + 1
	state.CreatedAt = stored.CreatedAt
	state.UpdatedAt = s.now().UTC()

	updated, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serialize execution %s: %w", state.ID, err)
	}
	s.states[state.ID] = updated
	return nil
}

// ListPendingByUser returns the user's paused executions, oldest first.
func (s *Store) ListPendingByUser(_ context.Context, userID string) ([]*execution.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*execution.State
	for _, id := range s.order {
		raw, ok := s.states[id]
		if !ok {
			continue
		}
		st, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if st.UserID == userID && st.Status == execution.StatusPausedForApproval {
			out = append(out, st)
		}
	}
	return out, nil
}

func decode(raw []byte) (*execution.State, error) {
	var st execution.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode execution record: %w", err)
	}
	return &st, nil
}
