package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/refinery/pkg/provider/llm"
	"github.com/MrWong99/refinery/pkg/provider/search"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factoryTable is a named set of factories for one provider kind.
type factoryTable[P any] struct {
	kind string
	byID map[string]Factory[P]
}

func newFactoryTable[P any](kind string) factoryTable[P] {
	return factoryTable[P]{kind: kind, byID: make(map[string]Factory[P])}
}

func (t factoryTable[P]) create(entry ProviderEntry) (P, error) {
	f, ok := t.byID[entry.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, t.kind, entry.Name)
	}
	p, err := f(entry)
	if err != nil {
		return p, fmt.Errorf("config: create %s/%s: %w", t.kind, entry.Name, err)
	}
	return p, nil
}

// Registry maps provider names to factories, one table per provider kind. A
// later registration under the same name replaces the earlier one. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	llm    factoryTable[llm.Provider]
	search factoryTable[search.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:    newFactoryTable[llm.Provider]("llm"),
		search: newFactoryTable[search.Provider]("search"),
	}
}

// RegisterLLM registers an LLM factory under name.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.byID[name] = f
}

// RegisterSearch registers a web search factory under name.
func (r *Registry) RegisterSearch(name string, f Factory[search.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.search.byID[name] = f
}

// CreateLLM builds the LLM provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

// CreateSearch builds the search provider named by entry.Name.
func (r *Registry) CreateSearch(entry ProviderEntry) (search.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.search.create(entry)
}

// LLMNames returns the registered LLM provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.llm.byID))
}

// SearchNames returns the registered search provider names, sorted.
func (r *Registry) SearchNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.search.byID))
}
