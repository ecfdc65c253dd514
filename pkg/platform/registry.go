package platform

import (
	"sort"
	"sync"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/errdefs"
)

// Factory builds a client for one platform from the loaded configuration.
type Factory func(cfg *config.Config) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under an adapter_type key. Platform packages
// call this from init; double registration is a programming error.
func Register(adapterType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[adapterType]; exists {
		panic("platform: duplicate registration for " + adapterType)
	}
	registry[adapterType] = factory
}

// New builds the client selected by cfg.Adapter.AdapterType.
func New(cfg *config.Config) (Client, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Adapter.AdapterType]
	registryMu.RUnlock()

	if !ok {
		return nil, errdefs.Fatal("unknown adapter_type %q, registered: %v",
			cfg.Adapter.AdapterType, Registered())
	}
	return factory(cfg)
}

// Registered lists the installed adapter types, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
