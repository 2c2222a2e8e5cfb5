package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/approval"
	"github.com/cscx-ai/agentd/internal/domain/execution"
)

// Store persists execution states in PostgreSQL. Writes are guarded by an
// optimistic version check so concurrent resumers cannot clobber each other.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a state store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

const stateColumns = `id, user_id, session_id, goal, specialist, status, plan, cursor, steps, context, pending_approval, error, version, created_at, updated_at`

// Create inserts a new execution state. The state's timestamps are set from
// the database clock.
func (s *Store) Create(ctx context.Context, state *execution.State) error {
	plan, steps, stateCtx, pending, err := marshalState(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO execution_states (id, user_id, session_id, goal, specialist, status, plan, cursor, steps, context, pending_approval, error, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	err = s.pool.QueryRow(ctx, query,
		state.ID, state.UserID, state.SessionID, state.Goal, state.Specialist,
		state.Status, plan, state.Cursor, steps, stateCtx, pending,
		state.Error, state.Version,
	).Scan(&state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating execution state: %w", err)
	}
	return nil
}

// Get loads an execution state by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*execution.State, error) {
	query := `SELECT ` + stateColumns + ` FROM execution_states WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)
	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution state %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting execution state: %w", err)
	}
	return state, nil
}

// Update writes the state back if the stored version still matches
// expectedVersion. On success the in-memory version is bumped to match the
// row. A stale expectedVersion returns domain.ErrConflict.
func (s *Store) Update(ctx context.Context, state *execution.State, expectedVersion int) error {
	plan, steps, stateCtx, pending, err := marshalState(state)
	if err != nil {
		return err
	}

	query := `
		UPDATE execution_states
		SET status = $3, plan = $4, cursor = $5, steps = $6, context = $7,
		    pending_approval = $8, error = $9, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, query,
		state.ID, expectedVersion,
		state.Status, plan, state.Cursor, steps, stateCtx, pending, state.Error,
	)
	if err != nil {
		return fmt.Errorf("updating execution state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution state %s at version %d: %w", state.ID, expectedVersion, domain.ErrConflict)
	}

	state.Version = expectedVersion + 1
	return nil
}

// ListPendingByUser returns the user's executions paused for approval,
// oldest first.
func (s *Store) ListPendingByUser(ctx context.Context, userID string) ([]*execution.State, error) {
	query := `SELECT ` + stateColumns + ` FROM execution_states
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, userID, execution.StatusPausedForApproval)
	if err != nil {
		return nil, fmt.Errorf("listing pending executions: %w", err)
	}
	defer rows.Close()

	var states []*execution.State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution states: %w", err)
	}
	return states, nil
}

func marshalState(state *execution.State) (plan, steps, stateCtx, pending []byte, err error) {
	plan, err = json.Marshal(state.Plan)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling plan: %w", err)
	}
	steps, err = json.Marshal(state.Steps)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling steps: %w", err)
	}
	stateCtx, err = json.Marshal(state.Context)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling context: %w", err)
	}
	if state.Pending != nil {
		pending, err = json.Marshal(state.Pending)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshaling pending approval: %w", err)
		}
	}
	return plan, steps, stateCtx, pending, nil
}

func scanState(row scannable) (*execution.State, error) {
	var (
		state   execution.State
		plan    []byte
		steps   []byte
		ctxData []byte
		pending []byte
	)

	err := row.Scan(
		&state.ID, &state.UserID, &state.SessionID, &state.Goal, &state.Specialist,
		&state.Status, &plan, &state.Cursor, &steps, &ctxData, &pending,
		&state.Error, &state.Version, &state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(plan, &state.Plan); err != nil {
		return nil, fmt.Errorf("unmarshaling plan: %w", err)
	}
	if err := json.Unmarshal(steps, &state.Steps); err != nil {
		return nil, fmt.Errorf("unmarshaling steps: %w", err)
	}
	if err := json.Unmarshal(ctxData, &state.Context); err != nil {
		return nil, fmt.Errorf("unmarshaling context: %w", err)
	}
	if len(pending) > 0 {
		state.Pending = &approval.Pending{}
		if err := json.Unmarshal(pending, state.Pending); err != nil {
			return nil, fmt.Errorf("unmarshaling pending approval: %w", err)
		}
	}
	return &state, nil
}
