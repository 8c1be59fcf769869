// Package provider implements the provider registry for LLM provider adapters.
package provider

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	chatgateway "github.com/eugener/chatgate/internal"
)

// Registry maps provider names (case-insensitive) to chatgateway.Provider
// instances. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]chatgateway.Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]chatgateway.Provider)}
}

// Register adds a provider under the given name.
// It overwrites any previously registered provider with the same name.
func (r *Registry) Register(name string, p chatgateway.Provider) {
	r.mu.Lock()
	r.providers[strings.ToLower(name)] = p
	r.mu.Unlock()
}

// Get returns the provider registered under name, resolved
// case-insensitively. Unknown names fail before any network call.
func (r *Registry) Get(name string) (chatgateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", chatgateway.ErrProviderNotConfigured, name)
	}
	return p, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.providers {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
