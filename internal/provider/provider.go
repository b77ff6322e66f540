// Package provider implements the provider registry for LLM provider adapters.
package provider

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/ccmux/internal"
)

// Types is the closed set of accepted provider type strings.
var Types = map[string]struct{}{
	"openai":      {},
	"anthropic":   {},
	"z.ai":        {},
	"minimax":     {},
	"zenmux":      {},
	"kimi-coding": {},
	"openrouter":  {},
	"deepinfra":   {},
	"novita":      {},
	"baseten":     {},
	"together":    {},
	"fireworks":   {},
	"groq":        {},
	"nebius":      {},
	"cerebras":    {},
	"moonshot":    {},
	"gemini":      {},
	"vertex-ai":   {},
}

// KnownType reports whether t is an accepted provider type.
func KnownType(t string) bool {
	_, ok := Types[t]
	return ok
}

const lookupCacheSize = 4096

// Registry maps provider names to gateway.Provider instances and model names
// to the provider serving them. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]gateway.Provider
	modelTable map[string]string // model -> provider name

	// caches results of the SupportsModel scan for models absent
	// from the explicit table
	scanCache *otter.Cache[string, string]
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	cache := otter.Must(&otter.Options[string, string]{MaximumSize: lookupCacheSize})
	return &Registry{
		providers:  make(map[string]gateway.Provider),
		modelTable: make(map[string]string),
		scanCache:  cache,
	}
}

// Register adds a provider under the given name. Duplicate names are an error.
func (r *Registry) Register(name string, p gateway.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q registered twice", name)
	}
	r.providers[name] = p
	return nil
}

// MapModel binds a model name to the provider that serves it. Later bindings
// overwrite earlier ones, so callers apply them in ascending authority.
func (r *Registry) MapModel(model, providerName string) {
	r.mu.Lock()
	r.modelTable[model] = providerName
	r.mu.Unlock()
}

// Get returns the provider registered under name, or an error if not found.
func (r *Registry) Get(name string) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered: %w", name, gateway.ErrNotFound)
	}
	return p, nil
}

// ForModel resolves the provider serving model: the explicit model table
// first, then a SupportsModel scan over all providers (memoized).
func (r *Registry) ForModel(model string) (gateway.Provider, error) {
	r.mu.RLock()
	name, mapped := r.modelTable[model]
	r.mu.RUnlock()
	if mapped {
		return r.Get(name)
	}

	if name, ok := r.scanCache.GetIfPresent(model); ok {
		return r.Get(name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, p := range r.providers {
		if p.SupportsModel(model) {
			r.scanCache.Set(model, name)
			return p, nil
		}
	}
	return nil, fmt.Errorf("model %q: %w", model, gateway.ErrModelNotSupported)
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

// Mappings returns a copy of the model table.
func (r *Registry) Mappings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.modelTable)
}

// Models returns a sorted slice of all explicitly mapped model names.
func (r *Registry) Models() []string {
	r.mu.RLock()
	models := make([]string, 0, len(r.modelTable))
	for m := range r.modelTable {
		models = append(models, m)
	}
	r.mu.RUnlock()
	slices.Sort(models)
	return models
}
