package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	adotel "github.com/cscx-ai/agentd/internal/adapter/otel"
	"github.com/cscx-ai/agentd/internal/config"
	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/approval"
	"github.com/cscx-ai/agentd/internal/domain/event"
	"github.com/cscx-ai/agentd/internal/domain/execution"
	"github.com/cscx-ai/agentd/internal/domain/intent"
	"github.com/cscx-ai/agentd/internal/domain/risk"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/port/broadcast"
	"github.com/cscx-ai/agentd/internal/port/messagequeue"
	"github.com/cscx-ai/agentd/internal/port/statestore"
)

// ExecutionService drives the plan-and-execute loop: it plans a goal,
// executes steps through the risk gate, pauses for approval when the
// policy requires it, and resumes paused executions after a decision.
// Every step boundary is persisted, so a restart loses nothing.
type ExecutionService struct {
	store     statestore.Store
	planner   *PlannerService
	tools     *ToolRunner
	registry  *tool.Registry
	escalator *risk.Escalator
	pool      *Pool
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	metrics   *adotel.Metrics
	maxSteps  int
	expiry    time.Duration
	now       func() time.Time
}

// NewExecutionService wires the engine. Escalator may be nil, in which
// case declared tool risk is used as-is.
func NewExecutionService(store statestore.Store, planner *PlannerService, tools *ToolRunner, registry *tool.Registry, escalator *risk.Escalator, pool *Pool, cfg config.Execution, expiry time.Duration) *ExecutionService {
	return &ExecutionService{
		store:     store,
		planner:   planner,
		tools:     tools,
		registry:  registry,
		escalator: escalator,
		pool:      pool,
		maxSteps:  cfg.MaxSteps,
		expiry:    expiry,
		now:       time.Now,
	}
}

// SetEventSinks attaches the queue and websocket hub. Optional.
func (s *ExecutionService) SetEventSinks(queue messagequeue.Queue, hub broadcast.Broadcaster) {
	s.queue = queue
	s.hub = hub
}

// SetMetrics attaches the meter instruments. Optional.
func (s *ExecutionService) SetMetrics(m *adotel.Metrics) { s.metrics = m }

// StartRequest carries everything needed to launch a goal.
type StartRequest struct {
	UserID     string
	SessionID  string
	Goal       string
	Specialist intent.Specialist
	Context    map[string]any
	Policy     approval.Policy
}

// Validate checks the request before any state is created.
func (r *StartRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if r.Goal == "" {
		return fmt.Errorf("%w: goal is required", domain.ErrValidation)
	}
	if _, err := intent.ParseSpecialist(string(r.Specialist)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// Start creates a new execution and drives it until it completes,
// fails, or pauses for approval. The returned state reflects where the
// drive stopped. Domain failures (bad plan, failed step, step limit)
// land in the state; only infrastructure errors are returned.
func (s *ExecutionService) Start(ctx context.Context, req *StartRequest) (*execution.State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	state := execution.New(req.UserID, req.SessionID, req.Goal, string(req.Specialist), req.Context)
	if err := s.store.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("create execution state: %w", err)
	}
	s.publishLifecycle(ctx, event.TypeExecutionStarted, state)
	if s.metrics != nil {
		s.metrics.ExecutionsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("specialist", state.Specialist)))
	}
	slog.Info("execution started", "state_id", state.ID, "user_id", state.UserID,
		"specialist", state.Specialist)

	err := s.pool.Run(ctx, func() error {
		return s.drive(ctx, state, req.Policy)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Get returns the execution by id.
func (s *ExecutionService) Get(ctx context.Context, id uuid.UUID) (*execution.State, error) {
	return s.store.Get(ctx, id)
}

// PendingApprovals lists the user's executions paused for approval,
// oldest first. Expiry is not enforced here; it applies when the
// approval is resolved.
func (s *ExecutionService) PendingApprovals(ctx context.Context, userID string) ([]*execution.State, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	return s.store.ListPendingByUser(ctx, userID)
}

// Resume applies an approval decision to a paused execution and, when
// approved, executes the held step and continues the loop. Calling it
// on an execution that is no longer paused returns the current state
// unchanged, which makes repeated resolutions harmless.
func (s *ExecutionService) Resume(ctx context.Context, stateID uuid.UUID, approved bool, editedInput map[string]any, policy approval.Policy) (*execution.State, error) {
	state, err := s.store.Get(ctx, stateID)
	if err != nil {
		return nil, err
	}
	if state.Status != execution.StatusPausedForApproval {
		slog.Debug("resume on non-paused execution", "state_id", state.ID, "status", state.Status)
		return state, nil
	}
	pending := state.Pending
	if pending == nil {
		return nil, fmt.Errorf("execution %s is paused without a pending approval", state.ID)
	}

	if pending.Expired(s.now()) {
		return s.expirePending(ctx, state, pending)
	}
	if !approved {
		return s.rejectPending(ctx, state, pending)
	}

	// Claim the resume before executing anything: the optimistic write
	// below is what decides a race between two approvers. The loser
	// gets a conflict here, before any tool side effect.
	input := pending.ProposedInput
	if editedInput != nil {
		input = editedInput
	}
	state.Pending = nil
	if err := state.Transition(execution.StatusExecuting); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, state); err != nil {
		return nil, err
	}
	s.publishApprovalResolved(ctx, state, pending, event.TypeApprovalResolved, true, "")
	s.publishLifecycle(ctx, event.TypeExecutionResumed, state)
	if s.metrics != nil {
		s.metrics.ApprovalsResolved.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", "approved")))
	}
	slog.Info("execution resumed", "state_id", state.ID, "approval_id", pending.ID,
		"tool", pending.Tool, "edited", editedInput != nil)

	working := state.ReplayContext()
	slog.Debug("context rebuilt from step log", "state_id", state.ID, "keys", len(working))

	err = s.pool.Run(ctx, func() error {
		if err := s.executeStep(ctx, state, pending.Tool, input, pending.Risk); err != nil {
			return err
		}
		if state.Status == execution.StatusFailed {
			return nil
		}
		return s.runSteps(ctx, state, policy)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// --- Internal helpers ---

// drive runs an execution from PLANNING to its first pause or terminal
// status. Returned errors are infrastructure failures only.
func (s *ExecutionService) drive(ctx context.Context, state *execution.State, policy approval.Policy) error {
	ctx, span := adotel.StartExecutionSpan(ctx, state.ID.String(), state.Specialist)
	defer span.End()

	if state.Status == execution.StatusPlanning {
		plan, err := s.planner.BuildPlan(ctx, state.Goal, intent.Specialist(state.Specialist), state.Context)
		if err != nil {
			slog.Warn("planning failed", "state_id", state.ID, "error", err)
			return s.failState(ctx, state, fmt.Sprintf("planning failed: %v", err))
		}
		state.Plan = plan
		if err := state.Transition(execution.StatusExecuting); err != nil {
			return err
		}
		if err := s.persist(ctx, state); err != nil {
			return err
		}
		slog.Info("plan built", "state_id", state.ID, "steps", len(plan))
	}

	return s.runSteps(ctx, state, policy)
}

// runSteps executes planned steps from the cursor until the plan is
// exhausted, a step fails, the step ceiling is hit, or the risk gate
// pauses the execution.
func (s *ExecutionService) runSteps(ctx context.Context, state *execution.State, policy approval.Policy) error {
	for {
		next, ok := state.NextPlanned()
		if !ok {
			return s.complete(ctx, state)
		}
		if len(state.Steps) >= s.maxSteps {
			return s.failState(ctx, state, fmt.Sprintf("%v (%d)", domain.ErrStepLimit, s.maxSteps))
		}

		spec, err := s.registry.Get(next.Tool)
		if err != nil {
			return s.failState(ctx, state, fmt.Sprintf("unknown tool %s in plan", next.Tool))
		}
		level := spec.Risk
		rule := ""
		if s.escalator != nil {
			level, rule = s.escalator.Escalate(string(next.Tool), spec.Risk, next.Input)
		}

		if !policy.Allows(level, s.now()) {
			return s.pause(ctx, state, next, level, rule)
		}
		if err := s.executeStep(ctx, state, next.Tool, next.Input, level); err != nil {
			return err
		}
		if state.Status == execution.StatusFailed {
			return nil
		}
	}
}

// executeStep runs one tool call, appends the step record, advances the
// cursor and persists. A failed step fails the whole execution.
func (s *ExecutionService) executeStep(ctx context.Context, state *execution.State, name tool.Name, input map[string]any, level risk.Level) error {
	stepCtx, span := adotel.StartStepSpan(ctx, state.ID.String(), string(name), state.Cursor)
	started := s.now()
	result, runErr := s.tools.Run(stepCtx, name, input)
	span.End()

	idx := len(state.Steps)
	st := execution.Step{
		Tool:       name,
		Input:      input,
		Risk:       level,
		StartedAt:  started,
		FinishedAt: s.now(),
	}
	if runErr != nil {
		st.Outcome = execution.OutcomeFailure
		st.Error = runErr.Error()
	} else {
		st.Outcome = execution.OutcomeSuccess
		st.Result = result
	}
	state.AppendStep(st)
	state.Advance()

	if runErr != nil {
		slog.Warn("step failed", "state_id", state.ID, "tool", name, "error", runErr)
		return s.failState(ctx, state, fmt.Sprintf("step %d (%s) failed: %v", idx, name, runErr))
	}
	if err := s.persist(ctx, state); err != nil {
		return err
	}
	slog.Debug("step executed", "state_id", state.ID, "tool", name, "index", idx)
	return nil
}

// pause parks the execution behind a pending approval.
func (s *ExecutionService) pause(ctx context.Context, state *execution.State, next execution.PlannedStep, level risk.Level, rule string) error {
	reason := fmt.Sprintf("%s is %s risk and requires approval", next.Tool, level)
	if rule != "" {
		reason = fmt.Sprintf("%s risk escalated to %s by rule %q; approval required", next.Tool, level, rule)
	}
	pending := approval.NewPending(state.ID, next.Tool, level, reason, next.Input, s.now(), s.expiry)
	state.Pending = pending
	if err := state.Transition(execution.StatusPausedForApproval); err != nil {
		return err
	}
	if err := s.persist(ctx, state); err != nil {
		return err
	}

	s.publishApprovalRequested(ctx, state, pending)
	s.publishLifecycle(ctx, event.TypeExecutionPaused, state)
	if s.metrics != nil {
		s.metrics.ExecutionsPaused.Add(ctx, 1, metric.WithAttributes(
			attribute.String("risk", string(level))))
	}
	slog.Info("execution paused for approval", "state_id", state.ID,
		"approval_id", pending.ID, "tool", pending.Tool, "risk", pending.Risk)
	return nil
}

func (s *ExecutionService) complete(ctx context.Context, state *execution.State) error {
	if err := state.Transition(execution.StatusCompleted); err != nil {
		return err
	}
	if err := s.persist(ctx, state); err != nil {
		return err
	}
	s.publishLifecycle(ctx, event.TypeExecutionCompleted, state)
	if s.metrics != nil {
		s.metrics.ExecutionsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("specialist", state.Specialist)))
	}
	slog.Info("execution completed", "state_id", state.ID, "steps", len(state.Steps))
	return nil
}

// failState marks the execution failed and persists. The failure is
// domain-level: callers still get a nil error.
func (s *ExecutionService) failState(ctx context.Context, state *execution.State, reason string) error {
	if err := state.Fail(reason); err != nil {
		return err
	}
	if err := s.persist(ctx, state); err != nil {
		return err
	}
	s.publishLifecycle(ctx, event.TypeExecutionFailed, state)
	if s.metrics != nil {
		s.metrics.ExecutionsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("specialist", state.Specialist)))
	}
	slog.Warn("execution failed", "state_id", state.ID, "reason", reason)
	return nil
}

// expirePending resolves an expired approval as an implicit rejection.
func (s *ExecutionService) expirePending(ctx context.Context, state *execution.State, pending *approval.Pending) (*execution.State, error) {
	now := s.now()
	state.AppendStep(execution.Step{
		Tool:       pending.Tool,
		Input:      pending.ProposedInput,
		Risk:       pending.Risk,
		Outcome:    execution.OutcomeFailure,
		Error:      "approval expired",
		StartedAt:  now,
		FinishedAt: now,
	})
	state.Advance()
	if err := state.Fail("approval expired"); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, state); err != nil {
		return nil, err
	}

	s.publishApprovalResolved(ctx, state, pending, event.TypeApprovalExpired, false, "approval expired")
	s.publishLifecycle(ctx, event.TypeExecutionFailed, state)
	if s.metrics != nil {
		s.metrics.ApprovalsResolved.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", "expired")))
	}
	slog.Warn("approval expired", "state_id", state.ID, "approval_id", pending.ID,
		"expired_at", pending.ExpiresAt)
	return state, domain.ErrApprovalExpired
}

// rejectPending records an explicit rejection and fails the execution.
func (s *ExecutionService) rejectPending(ctx context.Context, state *execution.State, pending *approval.Pending) (*execution.State, error) {
	now := s.now()
	state.AppendStep(execution.Step{
		Tool:       pending.Tool,
		Input:      pending.ProposedInput,
		Risk:       pending.Risk,
		Outcome:    execution.OutcomeFailure,
		Error:      "rejected by approver",
		StartedAt:  now,
		FinishedAt: now,
	})
	state.Advance()
	if err := state.Fail("rejected by approver"); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, state); err != nil {
		return nil, err
	}

	s.publishApprovalResolved(ctx, state, pending, event.TypeApprovalResolved, false, "rejected by approver")
	s.publishLifecycle(ctx, event.TypeExecutionFailed, state)
	if s.metrics != nil {
		s.metrics.ApprovalsResolved.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", "rejected")))
	}
	slog.Info("approval rejected", "state_id", state.ID, "approval_id", pending.ID,
		"tool", pending.Tool)
	return state, nil
}

func (s *ExecutionService) persist(ctx context.Context, state *execution.State) error {
	if err := s.store.Update(ctx, state, state.Version); err != nil {
		return fmt.Errorf("persist execution state: %w", err)
	}
	return nil
}

func (s *ExecutionService) publishLifecycle(ctx context.Context, typ event.Type, state *execution.State) {
	publishEvent(ctx, s.queue, s.hub, typ, state.ID.String(), state.UserID,
		messagequeue.ExecutionLifecyclePayload{
			StateID:    state.ID.String(),
			UserID:     state.UserID,
			Goal:       state.Goal,
			Specialist: state.Specialist,
			Status:     string(state.Status),
			StepCount:  len(state.Steps),
			Error:      state.Error,
		}, s.now())
}

func (s *ExecutionService) publishApprovalRequested(ctx context.Context, state *execution.State, pending *approval.Pending) {
	publishEvent(ctx, s.queue, s.hub, event.TypeApprovalRequested, state.ID.String(), state.UserID,
		messagequeue.ApprovalRequestedPayload{
			ApprovalID: pending.ID.String(),
			StateID:    state.ID.String(),
			UserID:     state.UserID,
			Tool:       string(pending.Tool),
			Risk:       string(pending.Risk),
			Reason:     pending.Reason,
			ExpiresAt:  pending.ExpiresAt,
		}, s.now())
}

func (s *ExecutionService) publishApprovalResolved(ctx context.Context, state *execution.State, pending *approval.Pending, typ event.Type, approved bool, reason string) {
	publishEvent(ctx, s.queue, s.hub, typ, state.ID.String(), state.UserID,
		messagequeue.ApprovalResolvedPayload{
			ApprovalID: pending.ID.String(),
			StateID:    state.ID.String(),
			UserID:     state.UserID,
			Approved:   approved,
			Reason:     reason,
		}, s.now())
}
