package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cscx-ai/agentd/internal/adapter/gateway"
	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/port/modelprovider"
)

func newTestClient(t *testing.T, srv *httptest.Server) *gateway.Client {
	t.Helper()
	return gateway.NewClient("primary", srv.URL, "test-key", "cscx-reasoner", 5*time.Second)
}

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Fatalf("unexpected auth: %q", auth)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["model"] != "cscx-reasoner" {
			t.Fatalf("unexpected model: %v", req["model"])
		}
		if _, ok := req["response_format"]; !ok {
			t.Fatal("expected response_format for JSON mode")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "{\"specialist\":\"renewals\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7}
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	resp, err := client.Invoke(context.Background(), modelprovider.Request{
		System:   "classify the intent",
		Prompt:   "our renewal is coming up",
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if resp.Text != `{"specialist":"renewals"}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 42 || resp.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestInvokeToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "query_customers", "arguments": "{\"filter\":\"segment = enterprise\",\"limit\":5}"}}
			]}, "finish_reason": "tool_calls"}]
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	resp, err := client.Invoke(context.Background(), modelprovider.Request{Prompt: "find enterprise accounts"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != tool.QueryCustomers {
		t.Errorf("tool = %q", call.Name)
	}
	if call.Input["filter"] != "segment = enterprise" {
		t.Errorf("filter = %v", call.Input["filter"])
	}
}

func TestInvokeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.Invoke(context.Background(), modelprovider.Request{Prompt: "hi"})
	if !errors.Is(err, domain.ErrTransientProvider) {
		t.Fatalf("expected ErrTransientProvider, got %v", err)
	}
}

func TestInvokeClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.Invoke(context.Background(), modelprovider.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, domain.ErrTransientProvider) {
		t.Fatalf("4xx must not be transient, got %v", err)
	}
}

func TestInvokeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse all connections

	client := newTestClient(t, srv)
	_, err := client.Invoke(context.Background(), modelprovider.Request{Prompt: "hi"})
	if !errors.Is(err, domain.ErrTransientProvider) {
		t.Fatalf("expected ErrTransientProvider, got %v", err)
	}
}

// TestStream verifies token ordering and that frames split across writes are
// reassembled at blank-line boundaries.
func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")

		tokenFrame := func(tok string) string {
			return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}

		// First frame in one write.
		_, _ = fmt.Fprint(w, tokenFrame("Your "))
		flusher.Flush()

		// Second frame split mid-JSON across two writes.
		frame := tokenFrame("renewal ")
		_, _ = fmt.Fprint(w, frame[:14])
		flusher.Flush()
		_, _ = fmt.Fprint(w, frame[14:])
		flusher.Flush()

		_, _ = fmt.Fprint(w, tokenFrame("is due."))
		_, _ = fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":3}}\n\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	ch, err := client.Stream(context.Background(), modelprovider.Request{Prompt: "renewal status"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var (
		text  strings.Builder
		done  bool
		usage *modelprovider.Usage
	)
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			usage = chunk.Usage
			continue
		}
		if done {
			t.Fatal("chunk after terminal done")
		}
		text.WriteString(chunk.Token)
	}

	if !done {
		t.Fatal("no terminal done chunk")
	}
	if got := text.String(); got != "Your renewal is due." {
		t.Errorf("text = %q", got)
	}
	if usage == nil || usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStreamToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Arguments arrive fragmented over two chunks.
		_, _ = fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"search_knowledge","arguments":"{\"query\":"}}]}}]}`+"\n\n")
		_, _ = fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"renewal playbook\"}"}}]}}]}`+"\n\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	ch, err := client.Stream(context.Background(), modelprovider.Request{Prompt: "how do renewals work"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var calls []modelprovider.ToolCallRequest
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			done = true
		}
	}

	if !done {
		t.Fatal("no terminal done chunk")
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].Name != tool.SearchKnowledge {
		t.Errorf("tool = %q", calls[0].Name)
	}
	if calls[0].Input["query"] != "renewal playbook" {
		t.Errorf("query = %v", calls[0].Input["query"])
	}
}

func TestStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Stream ends mid-frame without [DONE].
		_, _ = fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"par`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	ch, err := client.Stream(context.Background(), modelprovider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var last modelprovider.Chunk
	for chunk := range ch {
		last = chunk
	}
	if last.Err == nil {
		t.Fatal("expected terminal error chunk")
	}
	if !errors.Is(last.Err, domain.ErrTransientProvider) {
		t.Fatalf("expected ErrTransientProvider, got %v", last.Err)
	}
}

func TestStreamCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		flusher.Flush()
		// Hold the stream open until the client cancels.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t, srv)
	ch, err := client.Stream(ctx, modelprovider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	first, ok := <-ch
	if !ok || first.Token != "first" {
		t.Fatalf("first chunk = %+v ok=%v", first, ok)
	}

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return // closed after cancellation
			}
			if chunk.Done {
				t.Fatal("unexpected done chunk after cancel")
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}
