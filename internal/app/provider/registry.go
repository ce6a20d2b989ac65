package provider

import (
	"context"
	"sync"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Registry routes requests to the invoker registered for their provider.
type Registry struct {
	mu       sync.RWMutex
	invokers map[schema.Provider]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[schema.Provider]Invoker)}
}

// Register binds an invoker to a provider, replacing any previous binding.
func (r *Registry) Register(p schema.Provider, inv Invoker) {
	if inv == nil {
		panic("provider invoker required")
	}
	r.mu.Lock()
	r.invokers[p] = inv
	r.mu.Unlock()
}

// Lookup returns the invoker registered for p.
func (r *Registry) Lookup(p schema.Provider) (Invoker, bool) {
	r.mu.RLock()
	inv, ok := r.invokers[p]
	r.mu.RUnlock()
	return inv, ok
}

// Invoke implements Invoker by dispatching on req.Provider.
func (r *Registry) Invoke(ctx context.Context, req Request) (Response, error) {
	inv, ok := r.Lookup(req.Provider)
	if !ok {
		return Response{}, errs.New(string(req.Provider), errs.CodePermanent,
			errs.WithMessage("no client registered for provider"))
	}
	return inv.Invoke(ctx, req)
}

var _ Invoker = (*Registry)(nil)
