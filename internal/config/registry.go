package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/moneycoach/pkg/provider/embeddings"
	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned when no factory has been registered
// under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is a name-keyed constructor table for one provider kind.
type factories[P any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]func(ProviderEntry) (P, error)
}

func (f *factories[P]) register(name string, factory func(ProviderEntry) (P, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]func(ProviderEntry) (P, error))
	}
	f.m[name] = factory
}

func (f *factories[P]) create(entry ProviderEntry) (P, error) {
	f.mu.RLock()
	factory, ok := f.m[entry.Name]
	f.mu.RUnlock()
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

func (f *factories[P]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.m))
}

// Registry maps provider names from the config to constructors. Later
// registrations under the same name replace earlier ones. It is safe for
// concurrent use.
type Registry struct {
	llm        factories[llm.Provider]
	embeddings factories[embeddings.Provider]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:        factories[llm.Provider]{kind: "llm"},
		embeddings: factories[embeddings.Provider]{kind: "embeddings"},
	}
}

// RegisterLLM registers an LLM factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.llm.register(name, factory)
}

// RegisterEmbeddings registers an embeddings factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.embeddings.register(name, factory)
}

// CreateLLM instantiates the LLM named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

// CreateEmbeddings instantiates the embeddings provider named by entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(entry)
}

// LLMNames returns the registered LLM names in sorted order.
func (r *Registry) LLMNames() []string { return r.llm.names() }

// EmbeddingsNames returns the registered embeddings names in sorted order.
func (r *Registry) EmbeddingsNames() []string { return r.embeddings.names() }

// NamedLLM is an instantiated LLM together with its config name, which
// labels it in failover logs and metrics.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Backends is everything a [ProvidersConfig] instantiates.
type Backends struct {
	// LLM is the primary generation backend. Required.
	LLM NamedLLM

	// Fallbacks are tried in order when LLM fails.
	Fallbacks []NamedLLM

	// Oracle answers the router and referee. Nil means LLM.
	Oracle llm.Provider

	// Embeddings enables vector search in the Postgres store. May be nil.
	Embeddings embeddings.Provider
}

// Build instantiates every backend p names. Optional entries with an empty
// name are skipped.
func (r *Registry) Build(p ProvidersConfig) (*Backends, error) {
	b := &Backends{}

	primary, err := r.CreateLLM(p.LLM)
	if err != nil {
		return nil, fmt.Errorf("providers.llm: %w", err)
	}
	b.LLM = NamedLLM{Name: p.LLM.Name, Provider: primary}

	for i, entry := range p.LLMFallbacks {
		fb, err := r.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("providers.llm_fallbacks[%d]: %w", i, err)
		}
		b.Fallbacks = append(b.Fallbacks, NamedLLM{Name: entry.Name, Provider: fb})
	}

	if p.Oracle.Name != "" {
		if b.Oracle, err = r.CreateLLM(p.Oracle); err != nil {
			return nil, fmt.Errorf("providers.oracle: %w", err)
		}
	}
	if p.Embeddings.Name != "" {
		if b.Embeddings, err = r.CreateEmbeddings(p.Embeddings); err != nil {
			return nil, fmt.Errorf("providers.embeddings: %w", err)
		}
	}
	return b, nil
}
