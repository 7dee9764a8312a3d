package capability

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

// Registry maps capability names to adapter implementations. It is
// intended as process-wide state: populated during startup, read-only
// thereafter. Workflows referencing an unregistered capability fail
// validation at start.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger.With(zap.String("component", "capability_registry")),
	}
}

// Register adds an adapter under its capability name. Registering the
// same name twice is an error.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil || adapter.Name() == "" {
		return types.NewError(types.ErrInvalidDefinition, "adapter has no capability name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		return types.Errorf(types.ErrInvalidDefinition,
			"capability %q already registered", name)
	}
	r.adapters[name] = adapter

	r.logger.Info("capability registered",
		zap.String("capability", name),
		zap.Duration("default_timeout", adapter.Timeout()),
	)
	return nil
}

// MustRegister registers an adapter and panics on conflict. For use in
// startup wiring where a duplicate registration is a programming error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter registered under the given capability name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Resolve returns the adapter or a CAPABILITY_NOT_FOUND error.
func (r *Registry) Resolve(name string) (Adapter, error) {
	if a, ok := r.Get(name); ok {
		return a, nil
	}
	return nil, types.Errorf(types.ErrCapabilityNotFound,
		"no adapter registered for capability %q", name)
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
