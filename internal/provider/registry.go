package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/strata-io/strata/pkg/provider"
	"github.com/strata-io/strata/providers/docker"
	"github.com/strata-io/strata/providers/null"
)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider.Interface
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]provider.Interface),
	}
}

// Load initializes and registers a built-in provider. Loading is cheap;
// providers connect to their backends lazily or during Configure.
func (r *Registry) Load(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	var p provider.Interface
	switch name {
	case "null":
		p = null.New()
	case "docker":
		p = docker.New()
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}

	r.providers[name] = p
	return nil
}

// Register installs a custom provider implementation, replacing any
// built-in of the same name. Tests use this to inject fakes.
func (r *Registry) Register(name string, p provider.Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (provider.Interface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// Names lists the loaded providers in stable order.
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

// ConfigureAll configures every loaded provider with its settings block.
// It is called once before an apply run; plan never needs it.
func (r *Registry) ConfigureAll(ctx context.Context, settings map[string]map[string]string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, p := range r.providers {
		if err := p.Configure(ctx, settings[name]); err != nil {
			return fmt.Errorf("configuring provider %s: %w", name, err)
		}
	}
	return nil
}
