package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cscx-ai/agentd/internal/domain/approval"
	"github.com/cscx-ai/agentd/internal/domain/intent"
	"github.com/cscx-ai/agentd/internal/port/cache"
	"github.com/cscx-ai/agentd/internal/port/messagequeue"
	"github.com/cscx-ai/agentd/internal/resilience"
	"github.com/cscx-ai/agentd/internal/service"
)

const defaultBodyLimit = 1 << 20 // 1 MB

// Handlers aggregates the service dependencies the HTTP API exposes.
// DB and Queue are optional; when nil the health check skips them.
type Handlers struct {
	Intent     *service.IntentService
	Executions *service.ExecutionService
	Sessions   *service.SessionService
	Breakers   *resilience.Registry

	// Policies maps preset names to approval policies; Preset is the
	// name applied when a request does not pick one.
	Policies map[string]approval.Policy
	Preset   string

	// IdemCache backs the idempotency middleware on the mutating routes.
	IdemCache cache.Cache
	IdemTTL   time.Duration

	DB    *pgxpool.Pool
	Queue messagequeue.Queue

	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

// resolvePolicy maps a preset name from the request to an approval policy.
// An empty name falls back to the configured default preset, and an empty
// preset table to the deny-by-default policy.
func (h *Handlers) resolvePolicy(name string) (approval.Policy, error) {
	if name == "" {
		name = h.Preset
	}
	if name == "" || len(h.Policies) == 0 {
		return approval.DefaultPolicy(), nil
	}
	policy, ok := h.Policies[name]
	if !ok {
		return approval.Policy{}, fmt.Errorf("unknown policy preset %q", name)
	}
	return policy, nil
}

// --- Intent ---

type classifyRequest struct {
	UserID  string         `json:"user_id"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ClassifyIntent handles POST /api/v1/intent/classify
func (h *Handlers) ClassifyIntent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[classifyRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if !requireField(w, req.UserID, "user_id") {
		return
	}

	cls, err := h.Intent.Classify(r.Context(), req.UserID, req.Message, req.Context)
	if err != nil {
		writeDomainError(w, err, "classification failed")
		return
	}
	writeJSON(w, http.StatusOK, cls)
}

// --- Executions ---

type startExecutionRequest struct {
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Goal       string         `json:"goal"`
	Specialist string         `json:"specialist,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Policy     string         `json:"policy,omitempty"`
}

// StartExecution handles POST /api/v1/executions. A request without a
// specialist is routed through intent classification first.
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startExecutionRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if !requireField(w, req.UserID, "user_id") || !requireField(w, req.Goal, "goal") {
		return
	}

	policy, err := h.resolvePolicy(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	specialist, err := h.pickSpecialist(r.Context(), req.UserID, req.Specialist, req.Goal, req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := h.Executions.Start(r.Context(), &service.StartRequest{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Goal:       req.Goal,
		Specialist: specialist,
		Context:    req.Context,
		Policy:     policy,
	})
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(urlParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	state, err := h.Executions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type resumeRequest struct {
	Approved    bool           `json:"approved"`
	EditedInput map[string]any `json:"edited_input,omitempty"`
	Policy      string         `json:"policy,omitempty"`
}

// ResumeExecution handles POST /api/v1/executions/{id}/resume
func (h *Handlers) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(urlParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	req, ok := readJSON[resumeRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	policy, err := h.resolvePolicy(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := h.Executions.Resume(r.Context(), id, req.Approved, req.EditedInput, policy)
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListApprovals handles GET /api/v1/approvals?user_id=U
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if !requireField(w, userID, "user_id") {
		return
	}
	states, err := h.Executions.PendingApprovals(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err, "approvals not found")
		return
	}
	writeJSON(w, http.StatusOK, states)
}

// --- Breakers ---

// BreakerStatus handles GET /api/v1/breakers
func (h *Handlers) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	snapshots := h.Breakers.Status()
	if snapshots == nil {
		snapshots = []resilience.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// --- Streaming chat ---

type chatRequest struct {
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Message    string         `json:"message"`
	Specialist string         `json:"specialist,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Policy     string         `json:"policy,omitempty"`
}

// ChatStream handles POST /api/v1/chat/stream. The turn's events are
// written as server-sent events in arrival order; the stream ends with
// the turn's terminal event.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[chatRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if !requireField(w, req.UserID, "user_id") {
		return
	}
	policy, err := h.resolvePolicy(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	specialist, err := h.pickSpecialist(r.Context(), req.UserID, req.Specialist, req.Message, req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := h.Sessions.OpenTurn(r.Context(), &service.TurnRequest{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Message:    req.Message,
		Specialist: specialist,
		Policy:     policy,
	})
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for ev := range turn.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// pickSpecialist parses an explicit specialist or classifies the message
// when the request left it open.
func (h *Handlers) pickSpecialist(ctx context.Context, userID, explicit, message string, convCtx map[string]any) (intent.Specialist, error) {
	if explicit != "" {
		return intent.ParseSpecialist(explicit)
	}
	cls, err := h.Intent.Classify(ctx, userID, message, convCtx)
	if err != nil {
		return "", err
	}
	return cls.Specialist, nil
}

// --- Health ---

type healthResponse struct {
	Status   string `json:"status"`
	Postgres string `json:"postgres"`
	NATS     string `json:"nats"`
}

// Healthz handles GET /healthz. Checks configured dependencies and
// reports 503 when any is unreachable.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Postgres: "skipped", NATS: "skipped"}
	status := http.StatusOK

	if h.DB != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.DB.Ping(pingCtx); err != nil {
			resp.Postgres = "unreachable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Postgres = "ok"
		}
		cancel()
	}
	if h.Queue != nil {
		if h.Queue.IsConnected() {
			resp.NATS = "ok"
		} else {
			resp.NATS = "disconnected"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
