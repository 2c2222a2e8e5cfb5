package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// entry pairs a record with the inner handler that formats it, so records
// logged through WithAttrs/WithGroup derivatives keep their bound attrs
// across the async hop.
type entry struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler decouples emission from formatting: Handle enqueues onto a
// buffered channel drained by a worker pool. A full channel drops the
// record instead of blocking the caller.
type AsyncHandler struct {
	inner   slog.Handler
	ch      chan entry
	wg      *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner:   inner,
		ch:      make(chan entry, chanSize),
		wg:      &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	for range workers {
		h.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.wg.Done()
	for e := range h.ch {
		_ = e.h.Handle(context.Background(), e.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the channel is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.ch <- entry{h: h.inner, rec: rec}:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a derived handler sharing the channel and worker pool.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithAttrs(attrs),
		ch:      h.ch,
		wg:      h.wg,
		dropped: h.dropped,
	}
}

// WithGroup returns a derived handler sharing the channel and worker pool.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithGroup(name),
		ch:      h.ch,
		wg:      h.wg,
		dropped: h.dropped,
	}
}

// DroppedCount returns the number of records dropped on a full channel.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops intake and waits for the workers to flush the backlog.
// Close only the handler returned by NewAsyncHandler, never a derivative.
func (h *AsyncHandler) Close() {
	close(h.ch)
	h.wg.Wait()
}
