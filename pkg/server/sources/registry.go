package sources

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry = make(map[string]AdapterFactory)
	mu       sync.RWMutex
)

// Register adds an adapter factory under "type.name".
func Register(name string, factory AdapterFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// Create creates a new adapter instance by type and name.
func Create(sourceType, name string, config map[string]interface{}) (Adapter, error) {
	mu.RLock()
	key := fmt.Sprintf("%s.%s", sourceType, name)
	factory, ok := registry[key]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}

	return factory(config)
}

// List returns all registered adapter names, sorted.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
