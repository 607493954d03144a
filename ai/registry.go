package ai

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zkorum/mathupdater/core"
)

// ProviderFactory builds a labeling client for one provider.
type ProviderFactory interface {
	// Create builds a client from the labeling configuration
	Create(cfg core.AIConfig, logger core.Logger) (core.AIClient, error)

	// Name is the value of ai.provider that selects this factory
	Name() string

	Description() string
}

// ProviderRegistry manages registered AI providers
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

var registry = &ProviderRegistry{
	providers: make(map[string]ProviderFactory),
}

// Register registers a provider factory.
// This is typically called from init() functions in provider packages.
func Register(factory ProviderFactory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.providers[name]; exists {
		return fmt.Errorf("provider '%s' already registered", name)
	}
	registry.providers[name] = factory
	return nil
}

// MustRegister registers a provider and panics on error
func MustRegister(factory ProviderFactory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register provider: %v", err))
	}
}

// GetProvider retrieves a registered provider by name
func GetProvider(name string) (ProviderFactory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	factory, exists := registry.providers[name]
	return factory, exists
}

// ListProviders returns all registered provider names
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unregister(name string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.providers, name)
}
