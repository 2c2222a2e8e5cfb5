package resilience

import (
	"sort"
	"sync"
	"time"
)

// Registry owns one breaker per dependency name, created lazily on first
// call. It is constructed once at process start and injected into every
// caller that touches an external dependency.
type Registry struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
	onChange    func(name string, from, to State)
}

// NewRegistry creates a registry whose breakers open after maxFailures
// consecutive failures and cool down for the given duration.
func NewRegistry(maxFailures int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// OnStateChange installs a hook fired on every breaker transition. Call
// it during wiring, before the registry sees traffic.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.onChange = fn
	}
}

// Call runs fn through the breaker registered for the dependency name.
func (r *Registry) Call(name string, fn func() error) error {
	return r.breaker(name).Execute(fn)
}

// Status returns a snapshot of every breaker created so far, sorted by
// dependency name.
func (r *Registry) Status() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) breaker(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.maxFailures, r.cooldown)
		b.now = r.now
		b.onChange = r.onChange
		r.breakers[name] = b
	}
	return b
}
