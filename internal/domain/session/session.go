// Package session defines the typed events of one streaming chat turn and
// the transcript accumulated from them.
package session

import (
	"time"

	"github.com/cscx-ai/agentd/internal/domain/tool"
)

// EventType is the kind of a turn event.
type EventType string

const (
	EventToken     EventType = "token"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// ToolCall records one tool invocation observed mid-stream.
type ToolCall struct {
	Name   tool.Name      `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Event is one entry of the ordered turn stream. Exactly one terminal
// event (done or error) closes a turn.
type Event struct {
	Type  EventType `json:"type"`
	Token string    `json:"token,omitempty"`
	Tool  *ToolCall `json:"tool,omitempty"`

	// Terminal fields, set on done only.
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Cancelled bool       `json:"cancelled,omitempty"`

	Err string `json:"error,omitempty"`
}

// Transcript is what a finished or cancelled turn leaves behind. Text is
// the concatenation of every token delivered; ToolCalls preserve
// invocation order.
type Transcript struct {
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Cancelled  bool       `json:"cancelled"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}
