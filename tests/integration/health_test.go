//go:build integration

package integration_test

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestHealthLiveness(t *testing.T) {
	resp, err := http.Get(testServer.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status 'ok', got %q", body.Status)
	}
	if body.Postgres != "ok" {
		t.Fatalf("expected postgres 'ok', got %q", body.Postgres)
	}
	if body.NATS != "skipped" {
		t.Fatalf("expected nats 'skipped', got %q", body.NATS)
	}
}

func TestAPIVersion(t *testing.T) {
	resp, err := http.Get(testServer.URL + "/api/v1/")
	if err != nil {
		t.Fatalf("GET /api/v1/: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Version == "" {
		t.Fatal("expected non-empty version")
	}
}
