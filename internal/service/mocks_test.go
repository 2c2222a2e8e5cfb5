package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cscx-ai/agentd/internal/domain/event"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/port/messagequeue"
	"github.com/cscx-ai/agentd/internal/port/modelprovider"
)

// fakeClock is an injectable clock for deterministic expiry tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeModel scripts the model provider. Nil hooks yield empty successes.
type fakeModel struct {
	name   string
	invoke func(req modelprovider.Request) (*modelprovider.Response, error)
	stream func(ctx context.Context, req modelprovider.Request) (<-chan modelprovider.Chunk, error)

	mu       sync.Mutex
	invoked  []modelprovider.Request
	streamed int
}

func (f *fakeModel) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeModel) Invoke(_ context.Context, req modelprovider.Request) (*modelprovider.Response, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, req)
	f.mu.Unlock()
	if f.invoke == nil {
		return &modelprovider.Response{Text: "{}"}, nil
	}
	return f.invoke(req)
}

func (f *fakeModel) Stream(ctx context.Context, req modelprovider.Request) (<-chan modelprovider.Chunk, error) {
	f.mu.Lock()
	f.streamed++
	f.mu.Unlock()
	if f.stream == nil {
		ch := make(chan modelprovider.Chunk)
		close(ch)
		return ch, nil
	}
	return f.stream(ctx, req)
}

func (f *fakeModel) invokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invoked)
}

func (f *fakeModel) lastRequest() modelprovider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.invoked) == 0 {
		return modelprovider.Request{}
	}
	return f.invoked[len(f.invoked)-1]
}

// planModel returns a provider that always answers with the given plan.
func planModel(steps ...map[string]any) *fakeModel {
	text := planJSON(steps...)
	return &fakeModel{invoke: func(modelprovider.Request) (*modelprovider.Response, error) {
		return &modelprovider.Response{Text: text}, nil
	}}
}

func planJSON(steps ...map[string]any) string {
	data, err := json.Marshal(map[string]any{"steps": steps})
	if err != nil {
		panic(err)
	}
	return string(data)
}

func planStep(name string, input map[string]any, reason string) map[string]any {
	return map[string]any{"tool": name, "input": input, "reason": reason}
}

// fakeExec scripts the tool backend and records every call.
type fakeExec struct {
	backend string
	run     func(name tool.Name, input map[string]any) (map[string]any, error)

	mu    sync.Mutex
	calls []execCall
}

type execCall struct {
	name  tool.Name
	input map[string]any
}

func (f *fakeExec) Execute(_ context.Context, name tool.Name, input map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{name: name, input: input})
	f.mu.Unlock()
	if f.run == nil {
		return map[string]any{"ok": true}, nil
	}
	return f.run(name, input)
}

func (f *fakeExec) Backend() string { return f.backend }

func (f *fakeExec) count(name tool.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func (f *fakeExec) lastInput(name tool.Name) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].name == name {
			return f.calls[i].input
		}
	}
	return nil
}

// fakeQueue records published subjects in order.
type fakeQueue struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subjects = append(q.subjects, subject)
	q.payloads = append(q.payloads, data)
	return nil
}

func (q *fakeQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) published() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.subjects))
	copy(out, q.subjects)
	return out
}

func (q *fakeQueue) has(subject string) bool {
	for _, s := range q.published() {
		if s == subject {
			return true
		}
	}
	return false
}

// fakeHub records broadcast envelopes.
type fakeHub struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (h *fakeHub) Broadcast(_ context.Context, env event.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envs = append(h.envs, env)
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.envs)
}

// fakeCache is a TTL-less in-memory cache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
