package config

import (
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/ensemble/pkg/provider/embeddings"
	embollama "github.com/MrWong99/ensemble/pkg/provider/embeddings/ollama"
	embopenai "github.com/MrWong99/ensemble/pkg/provider/embeddings/openai"
	"github.com/MrWong99/ensemble/pkg/provider/llm"
	"github.com/MrWong99/ensemble/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/ensemble/pkg/provider/llm/openai"
)

// LLMFactory constructs a completion provider from its config entry.
type LLMFactory func(entry ProviderEntry) (llm.Provider, error)

// EmbeddingsFactory constructs an embeddings provider from its config entry.
type EmbeddingsFactory func(entry ProviderEntry) (embeddings.Provider, error)

// Registry maps provider names to constructors. It is safe for concurrent
// use, so tests and alternative builds can register their own factories.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]LLMFactory
	embeddings map[string]EmbeddingsFactory
}

// NewRegistry returns an empty registry with no factories registered.
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]LLMFactory),
		embeddings: make(map[string]EmbeddingsFactory),
	}
}

// DefaultRegistry returns a registry with all built-in providers registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, name := range ValidProviderNames["llm"] {
		r.RegisterLLM(name, anyLLMFactory(name))
	}
	// openai goes through the native SDK rather than the any-llm bridge so
	// BaseURL overrides (Azure, proxies) behave exactly like the raw client.
	r.RegisterLLM("openai", func(entry ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterEmbeddings("openai", func(entry ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		return embopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterEmbeddings("ollama", func(entry ProviderEntry) (embeddings.Provider, error) {
		return embollama.New(entry.BaseURL, entry.Model)
	})
	return r
}

func anyLLMFactory(name string) LLMFactory {
	return func(entry ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(name, entry.Model, opts...)
	}
}

// RegisterLLM registers (or replaces) a completion-provider factory.
func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// RegisterEmbeddings registers (or replaces) an embeddings-provider factory.
func (r *Registry) RegisterEmbeddings(name string, f EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = f
}

// BuildLLM constructs the completion provider selected by entry.
func (r *Registry) BuildLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: no llm provider registered under %q", entry.Name)
	}
	p, err := f(entry)
	if err != nil {
		return nil, fmt.Errorf("config: build llm provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// BuildEmbeddings constructs the embeddings provider selected by entry.
// An empty entry name yields (nil, nil): semantic recall is optional.
func (r *Registry) BuildEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	r.mu.RLock()
	f, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: no embeddings provider registered under %q", entry.Name)
	}
	p, err := f(entry)
	if err != nil {
		return nil, fmt.Errorf("config: build embeddings provider %q: %w", entry.Name, err)
	}
	return p, nil
}
