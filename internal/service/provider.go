package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/port/modelprovider"
	"github.com/cscx-ai/agentd/internal/resilience"
)

// FallbackProvider routes model calls through a circuit breaker per
// underlying provider and falls back to the secondary provider only
// when the primary's circuit is open. Transient failures are retried
// once inside the breaker, so the breaker counts a failure only after
// the retry also fails.
type FallbackProvider struct {
	primary   modelprovider.Provider
	secondary modelprovider.Provider
	breakers  *resilience.Registry
}

// NewFallbackProvider wires primary and secondary providers to the
// shared breaker registry. Secondary may be nil.
func NewFallbackProvider(primary, secondary modelprovider.Provider, breakers *resilience.Registry) *FallbackProvider {
	return &FallbackProvider{
		primary:   primary,
		secondary: secondary,
		breakers:  breakers,
	}
}

// Name identifies the composite provider in logs and prompts.
func (p *FallbackProvider) Name() string { return "gateway" }

// Invoke calls the primary provider and, if its circuit is open,
// the secondary. Any other failure surfaces to the caller unchanged.
func (p *FallbackProvider) Invoke(ctx context.Context, req modelprovider.Request) (*modelprovider.Response, error) {
	resp, err := p.invokeThrough(ctx, p.primary, req)
	if err == nil {
		return resp, nil
	}
	if p.secondary == nil || !errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, err
	}
	slog.Warn("primary model circuit open, using secondary",
		"primary", p.primary.Name(), "secondary", p.secondary.Name())
	return p.invokeThrough(ctx, p.secondary, req)
}

// Stream opens a token stream on the primary provider, falling back to
// the secondary when the primary's circuit is open. Only stream
// establishment feeds the breaker; errors mid-stream do not.
func (p *FallbackProvider) Stream(ctx context.Context, req modelprovider.Request) (<-chan modelprovider.Chunk, error) {
	ch, err := p.streamThrough(ctx, p.primary, req)
	if err == nil {
		return ch, nil
	}
	if p.secondary == nil || !errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, err
	}
	slog.Warn("primary model circuit open, streaming from secondary",
		"primary", p.primary.Name(), "secondary", p.secondary.Name())
	return p.streamThrough(ctx, p.secondary, req)
}

func (p *FallbackProvider) invokeThrough(ctx context.Context, prov modelprovider.Provider, req modelprovider.Request) (*modelprovider.Response, error) {
	var resp *modelprovider.Response
	err := p.breakers.Call("model:"+prov.Name(), func() error {
		var callErr error
		resp, callErr = prov.Invoke(ctx, req)
		if callErr != nil && errors.Is(callErr, domain.ErrTransientProvider) {
			slog.Debug("transient model failure, retrying once",
				"provider", prov.Name(), "error", callErr)
			resp, callErr = prov.Invoke(ctx, req)
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *FallbackProvider) streamThrough(ctx context.Context, prov modelprovider.Provider, req modelprovider.Request) (<-chan modelprovider.Chunk, error) {
	var ch <-chan modelprovider.Chunk
	err := p.breakers.Call("model:"+prov.Name(), func() error {
		var callErr error
		ch, callErr = prov.Stream(ctx, req)
		if callErr != nil && errors.Is(callErr, domain.ErrTransientProvider) {
			slog.Debug("transient stream open failure, retrying once",
				"provider", prov.Name(), "error", callErr)
			ch, callErr = prov.Stream(ctx, req)
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}
