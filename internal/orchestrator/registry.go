package orchestrator

import (
	"fmt"

	"github.com/hammerpath/avatarcast/internal/providers"
)

// Registry resolves user-facing model names to provider adapters and holds
// the static fallback map. The fallback map is a fixed directed mapping, not
// a search: each model names at most one substitute.
type Registry struct {
	adapters  map[string]providers.Adapter
	slugs     map[string]string // model name → webhook slug ("kie", "sora", ...)
	fallbacks map[string]string // model name → fallback model name
	bySlug    map[string]providers.Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[string]providers.Adapter),
		slugs:     make(map[string]string),
		fallbacks: make(map[string]string),
		bySlug:    make(map[string]providers.Adapter),
	}
}

// Register binds a model name to an adapter and the webhook slug its
// callbacks arrive on.
func (r *Registry) Register(model, slug string, adapter providers.Adapter) {
	r.adapters[model] = adapter
	r.slugs[model] = slug
	r.bySlug[slug] = adapter
}

// SetFallback declares the statically configured substitute for a model.
func (r *Registry) SetFallback(model, fallback string) {
	r.fallbacks[model] = fallback
}

func (r *Registry) Resolve(model string) (providers.Adapter, error) {
	adapter, ok := r.adapters[model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	return adapter, nil
}

func (r *Registry) Slug(model string) string {
	return r.slugs[model]
}

// BySlug returns the adapter whose webhook endpoint uses the given slug.
func (r *Registry) BySlug(slug string) (providers.Adapter, bool) {
	adapter, ok := r.bySlug[slug]
	return adapter, ok
}

func (r *Registry) Fallback(model string) (string, bool) {
	fb, ok := r.fallbacks[model]
	return fb, ok
}
