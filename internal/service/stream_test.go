package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/intent"
	"github.com/cscx-ai/agentd/internal/domain/risk"
	"github.com/cscx-ai/agentd/internal/domain/session"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/port/modelprovider"
	"github.com/cscx-ai/agentd/internal/resilience"
)

func newSession(t *testing.T, model *fakeModel, exec *fakeExec) *SessionService {
	t.Helper()
	registry := newTestRegistry(t)
	esc, err := risk.NewEscalator(risk.DefaultRules())
	if err != nil {
		t.Fatalf("NewEscalator: %v", err)
	}
	runner := NewToolRunner(registry, exec, resilience.NewRegistry(5, time.Minute))
	return NewSessionService(model, runner, registry, esc)
}

func scriptedStream(chunks ...modelprovider.Chunk) func(context.Context, modelprovider.Request) (<-chan modelprovider.Chunk, error) {
	return func(context.Context, modelprovider.Request) (<-chan modelprovider.Chunk, error) {
		out := make(chan modelprovider.Chunk, len(chunks))
		for _, c := range chunks {
			out <- c
		}
		close(out)
		return out, nil
	}
}

func turnRequest(message string, specialist intent.Specialist) *TurnRequest {
	return &TurnRequest{
		UserID:     "u1",
		SessionID:  "s1",
		Message:    message,
		Specialist: specialist,
		Policy:     lowAutoPolicy,
	}
}

func drain(turn *Turn) []session.Event {
	var events []session.Event
	for ev := range turn.Events() {
		events = append(events, ev)
	}
	return events
}

func TestOpenTurnEmptyMessage(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc := newSession(t, &fakeModel{}, &fakeExec{})

	for _, message := range []string{"", "   ", "\n\t"} {
		if _, err := svc.OpenTurn(context.Background(), turnRequest(message, intent.General)); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("message %q: err = %v, want validation failure", message, err)
		}
	}
}

func TestOpenTurnSurfacesStreamError(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &fakeModel{stream: func(context.Context, modelprovider.Request) (<-chan modelprovider.Chunk, error) {
		return nil, errors.New("gateway refused")
	}}
	svc := newSession(t, model, &fakeExec{})

	if _, err := svc.OpenTurn(context.Background(), turnRequest("hi", intent.General)); err == nil {
		t.Fatal("err = nil, want stream open failure")
	}
}

func TestTurnTokens(t *testing.T) {
	defer goleak.VerifyNone(t)
	var got modelprovider.Request
	model := &fakeModel{stream: func(_ context.Context, req modelprovider.Request) (<-chan modelprovider.Chunk, error) {
		got = req
		out := make(chan modelprovider.Chunk, 3)
		out <- modelprovider.Chunk{Token: "Good"}
		out <- modelprovider.Chunk{Token: " morning"}
		out <- modelprovider.Chunk{Done: true}
		close(out)
		return out, nil
	}}
	svc := newSession(t, model, &fakeExec{})

	turn, err := svc.OpenTurn(context.Background(), turnRequest("morning check-in", intent.Renewals))
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	events := drain(turn)

	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3: %+v", len(events), events)
	}
	if events[0].Type != session.EventToken || events[0].Token != "Good" {
		t.Fatalf("events[0] = %+v", events[0])
	}
	if events[1].Type != session.EventToken || events[1].Token != " morning" {
		t.Fatalf("events[1] = %+v", events[1])
	}
	done := events[2]
	if done.Type != session.EventDone || done.Cancelled {
		t.Fatalf("events[2] = %+v, want clean done", done)
	}
	if done.Text != "Good morning" {
		t.Fatalf("done text = %q, want the concatenated tokens", done.Text)
	}

	tr := turn.Transcript()
	if tr.Text != "Good morning" || tr.Cancelled {
		t.Fatalf("transcript = %+v", tr)
	}
	if tr.SessionID != "s1" || tr.UserID != "u1" {
		t.Fatalf("transcript identity = %s/%s", tr.SessionID, tr.UserID)
	}

	if len(got.Tools) == 0 {
		t.Fatal("stream request carried no tool catalog")
	}
	if got.System == "" || !strings.Contains(got.Prompt, "morning check-in") {
		t.Fatalf("stream request = %+v, want system prompt and user message", got)
	}
}

func TestTurnToolCall(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &fakeModel{stream: scriptedStream(
		modelprovider.Chunk{Token: "Checking"},
		modelprovider.Chunk{ToolCall: &modelprovider.ToolCallRequest{Name: tool.QueryCustomers, Input: queryInput()}},
		modelprovider.Chunk{Token: " done"},
		modelprovider.Chunk{Done: true},
	)}
	exec := &fakeExec{}
	svc := newSession(t, model, exec)

	turn, err := svc.OpenTurn(context.Background(), turnRequest("which renewals are due", intent.Renewals))
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	events := drain(turn)

	var types []session.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []session.EventType{session.EventToken, session.EventToolStart, session.EventToolEnd, session.EventToken, session.EventDone}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}

	end := events[2]
	if end.Tool == nil || end.Tool.Name != tool.QueryCustomers || end.Tool.Error != "" {
		t.Fatalf("tool_end = %+v, want successful query_customers", end.Tool)
	}
	if end.Tool.Result == nil {
		t.Fatal("tool_end carries no result")
	}
	if got := exec.count(tool.QueryCustomers); got != 1 {
		t.Fatalf("query_customers executed %d times, want 1", got)
	}

	done := events[4]
	if len(done.ToolCalls) != 1 || done.ToolCalls[0].Name != tool.QueryCustomers {
		t.Fatalf("done tool calls = %+v", done.ToolCalls)
	}
	if done.Text != "Checking done" {
		t.Fatalf("done text = %q", done.Text)
	}
}

func TestTurnGatedToolNotExecuted(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &fakeModel{stream: scriptedStream(
		modelprovider.Chunk{ToolCall: &modelprovider.ToolCallRequest{Name: tool.SendEmail, Input: emailInput()}},
		modelprovider.Chunk{Token: "I cannot send that directly."},
		modelprovider.Chunk{Done: true},
	)}
	exec := &fakeExec{}
	svc := newSession(t, model, exec)

	turn, err := svc.OpenTurn(context.Background(), turnRequest("email the Acme team", intent.Outreach))
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	events := drain(turn)

	var end *session.ToolCall
	for _, ev := range events {
		if ev.Type == session.EventToolEnd {
			end = ev.Tool
		}
	}
	if end == nil {
		t.Fatalf("no tool_end in %+v", events)
	}
	if !strings.Contains(end.Error, "requires approval") {
		t.Fatalf("tool error = %q, want approval gate", end.Error)
	}
	if got := exec.count(tool.SendEmail); got != 0 {
		t.Fatalf("gated tool executed %d times", got)
	}

	done := events[len(events)-1]
	if done.Type != session.EventDone || done.Cancelled {
		t.Fatalf("last event = %+v, want clean done", done)
	}
	if len(done.ToolCalls) != 1 || done.ToolCalls[0].Error == "" {
		t.Fatalf("done tool calls = %+v, want the gated call recorded", done.ToolCalls)
	}
}

func TestTurnToolOutsideProfile(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &fakeModel{stream: scriptedStream(
		modelprovider.Chunk{ToolCall: &modelprovider.ToolCallRequest{Name: tool.QueryCustomers, Input: queryInput()}},
		modelprovider.Chunk{Done: true},
	)}
	exec := &fakeExec{}
	svc := newSession(t, model, exec)

	turn, err := svc.OpenTurn(context.Background(), turnRequest("look something up", intent.General))
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	events := drain(turn)

	var end *session.ToolCall
	for _, ev := range events {
		if ev.Type == session.EventToolEnd {
			end = ev.Tool
		}
	}
	if end == nil || !strings.Contains(end.Error, "not available") {
		t.Fatalf("tool_end = %+v, want profile rejection", end)
	}
	if got := exec.count(tool.QueryCustomers); got != 0 {
		t.Fatalf("out-of-profile tool executed %d times", got)
	}
}

func TestTurnProviderErrorChunk(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &fakeModel{stream: scriptedStream(
		modelprovider.Chunk{Token: "Let me"},
		modelprovider.Chunk{Err: errors.New("model overloaded")},
	)}
	svc := newSession(t, model, &fakeExec{})

	turn, err := svc.OpenTurn(context.Background(), turnRequest("hello", intent.General))
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	events := drain(turn)

	last := events[len(events)-1]
	if last.Type != session.EventError || !strings.Contains(last.Err, "model overloaded") {
		t.Fatalf("last event = %+v, want error", last)
	}

	tr := turn.Transcript()
	if tr.Cancelled {
		t.Fatal("errored turn reported as cancelled")
	}
	if tr.Text != "Let me" {
		t.Fatalf("transcript text = %q, want tokens delivered before the error", tr.Text)
	}
}

func TestTurnCancelledMidStream(t *testing.T) {
	defer goleak.VerifyNone(t)
	// Closing the chunk channel without a terminal chunk is how the
	// provider reports context cancellation.
	model := &fakeModel{stream: scriptedStream(
		modelprovider.Chunk{Token: "Half"},
		modelprovider.Chunk{Token: " answer"},
	)}
	svc := newSession(t, model, &fakeExec{})

	turn, err := svc.OpenTurn(context.Background(), turnRequest("long question", intent.General))
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	events := drain(turn)

	done := events[len(events)-1]
	if done.Type != session.EventDone || !done.Cancelled {
		t.Fatalf("last event = %+v, want cancelled done", done)
	}
	if done.Text != "Half answer" {
		t.Fatalf("done text = %q, want partial text preserved", done.Text)
	}

	tr := turn.Transcript()
	if !tr.Cancelled || tr.Text != "Half answer" {
		t.Fatalf("transcript = %+v", tr)
	}
}

func TestTurnAbandonedConsumerDoesNotBlockPump(t *testing.T) {
	defer goleak.VerifyNone(t)
	chunks := make([]modelprovider.Chunk, 40)
	for i := range chunks {
		chunks[i] = modelprovider.Chunk{Token: "x"}
	}
	model := &fakeModel{stream: scriptedStream(chunks...)}
	svc := newSession(t, model, &fakeExec{})

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := svc.OpenTurn(ctx, turnRequest("flood", intent.General))
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}

	// Consumer walks away without reading; cancellation must still let
	// the pump finish.
	cancel()

	tr := turn.Transcript()
	if !tr.Cancelled {
		t.Fatal("abandoned turn not marked cancelled")
	}
}
