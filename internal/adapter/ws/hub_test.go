package ws

import (
	"context"
	"testing"
	"time"

	"github.com/cscx-ai/agentd/internal/domain/event"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub()

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), event.Envelope{
		ID:        "ev-1",
		Type:      event.TypeExecutionStarted,
		Payload:   []byte(`{"key":"value"}`),
		CreatedAt: time.Now(),
	})
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub()

	// Removing a connection that was never added should not panic.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: nil, cancel: cancel, userID: "u-1"}
	hub.remove(c)
}
