// Package provider defines the transport abstraction between the daemon and
// model backends. Each backend implements the Provider interface; the
// Registry routes requests to the right backend by provider name or by
// "provider:model" qualified model ids.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider is implemented by every model backend.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic".
	Name() string

	// Models returns the model ids this provider can serve.
	Models() []string

	// Chat sends a request and blocks until the complete response is
	// available.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Stream sends a request and returns a channel of incremental events.
	// The channel is closed after a done or error event. A non-nil error
	// from Stream itself means the request never started.
	Stream(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
}

// Registry holds the configured providers for a daemon instance.
// The first registered provider becomes the default unless SetDefault
// is called.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering the same name twice replaces the
// earlier instance.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	r.providers[name] = p
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultName == "" {
		return nil, fmt.Errorf("no providers registered")
	}
	return r.providers[r.defaultName], nil
}

// SetDefault marks name as the default provider.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.defaultName = name
	return nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForModel resolves the provider responsible for a model id. Ids of the
// form "provider:model" route by the qualifier when it names a registered
// provider; otherwise the colon is treated as part of the model id, as in
// ollama tags like "llama3.1:8b". Bare ids are matched against each
// provider's model list, falling back to the default provider.
func (r *Registry) ForModel(model string) (Provider, error) {
	if name, _, ok := strings.Cut(model, ":"); ok {
		r.mu.RLock()
		p, registered := r.providers[name]
		r.mu.RUnlock()
		if registered {
			return p, nil
		}
	}

	r.mu.RLock()
	for _, p := range r.providers {
		for _, m := range p.Models() {
			if m == model {
				r.mu.RUnlock()
				return p, nil
			}
		}
	}
	r.mu.RUnlock()

	return r.Default()
}
