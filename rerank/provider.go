package rerank

import (
	"context"
	"sync"
)

// Provider is implemented by each rerank backend (Cohere today; other
// rerank-capable vendors slot in the same way the chat Provider
// interface lets anthropic/gemini/cohere/bedrock share a registry).
type Provider interface {
	// Rerank scores req.Documents against req.Query and returns them
	// ordered by relevance.
	Rerank(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider identifier used in the registry and in
	// the "provider/model" model-string convention.
	Name() string

	// SupportsModel reports whether this provider serves the given
	// rerank model name.
	SupportsModel(model string) bool
}

// Registry holds the registered rerank providers, keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty rerank provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any previously registered under
// the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
