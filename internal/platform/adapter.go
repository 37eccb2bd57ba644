package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SearchOptions narrows a platform search.
type SearchOptions struct {
	Location   string            `json:"location,omitempty"`
	Experience string            `json:"experience,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Adapter searches one platform. An error fails only that platform's task;
// return *Error to carry an HTTP status and retry hint back to the limiter.
type Adapter interface {
	Search(ctx context.Context, keywords string, opts SearchOptions) ([]Job, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, keywords string, opts SearchOptions) ([]Job, error)

// Search calls f.
func (f AdapterFunc) Search(ctx context.Context, keywords string, opts SearchOptions) ([]Job, error) {
	return f(ctx, keywords, opts)
}

// Registry maps platforms to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Platform]Adapter)}
}

// Register binds a to p, replacing any previous adapter.
func (r *Registry) Register(p Platform, a Adapter) error {
	if !p.Valid() {
		return fmt.Errorf("register adapter: unknown platform %q", p)
	}
	if a == nil {
		return fmt.Errorf("register adapter for %s: nil adapter", p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = a
	return nil
}

// Adapter returns the adapter bound to p.
func (r *Registry) Adapter(p Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms returns the registered platforms, sorted.
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
