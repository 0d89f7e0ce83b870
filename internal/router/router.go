package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

// Adapter is the uniform contract every upstream provider is wrapped in.
type Adapter interface {
	ID() domain.ProviderID
	DefaultModel() string
	Validate(req domain.Request) error
	CountTokens(text string) int
	Send(ctx context.Context, req domain.Request) (*domain.Response, error)
	Stream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, <-chan error)
	HealthCheck(ctx context.Context) error
}

// Router holds the registered adapters in registration order.
type Router struct {
	mu       sync.RWMutex
	order    []domain.ProviderID
	adapters map[domain.ProviderID]Adapter
}

func New(adapters ...Adapter) (*Router, error) {
	r := &Router{adapters: make(map[domain.ProviderID]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Router) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[a.ID()]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateProvider, a.ID())
	}
	r.adapters[a.ID()] = a
	r.order = append(r.order, a.ID())
	return nil
}

// Select honors hint when it names a registered adapter and otherwise returns
// the first registered one.
func (r *Router) Select(hint domain.ProviderID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hint != "" {
		if a, ok := r.adapters[hint]; ok {
			return a, nil
		}
	}
	if len(r.order) == 0 {
		return nil, domain.NewNoAdapterError("no providers are configured")
	}
	return r.adapters[r.order[0]], nil
}

// Alternate returns the first registered adapter other than exclude.
func (r *Router) Alternate(exclude domain.ProviderID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		if id != exclude {
			return r.adapters[id], true
		}
	}
	return nil, false
}

func (r *Router) Get(id domain.ProviderID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	return a, ok
}

func (r *Router) List() []domain.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.ProviderID, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
