package service

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of goals executing at once. A nil pool runs
// everything unbounded, which keeps tests simple.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a pool admitting up to limit concurrent executions.
// Limits below one are clamped to one.
func NewPool(limit int64) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(limit)}
}

// Run executes fn once a slot is free, blocking until then or until ctx
// is cancelled. The slot is released when fn returns, so a goal that
// pauses for approval gives its slot back immediately.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
