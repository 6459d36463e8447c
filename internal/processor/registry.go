package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spherical-ai/pipeline-engine/internal/observability"
)

// Factory builds a processor instance. Once it succeeds for a registered
// name the instance is cached and the factory is not called again.
type Factory func() (Processor, error)

// Descriptor describes a registered processor.
type Descriptor struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
	Instantiated bool         `json:"instantiated"`
}

// Registry is the process-wide catalog of processors.
//
// Lifecycle: build with NewRegistry, Register every processor during startup,
// then Seal. After sealing the set of names is fixed and the registry is safe
// for concurrent read-only use; Resolve still instantiates lazily.
type Registry struct {
	logger *observability.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	sealed  bool
}

// entry serializes instantiation of one processor so a slow factory only
// blocks callers resolving the same name.
type entry struct {
	factory Factory

	mu       sync.Mutex
	instance Processor
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Registry{
		logger:  logger.WithComponent("processor_registry"),
		entries: make(map[string]*entry),
	}
}

// Register adds a processor factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("%w: name and factory are required", ErrInvalidFactory)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %q: %w", name, ErrRegistrySealed)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateProcessor)
	}
	r.entries[name] = &entry{factory: factory}

	r.logger.Debug().Str("processor", name).Msg("Processor registered")
	return nil
}

// RegisterInstance registers an already constructed processor.
func (r *Registry) RegisterInstance(p Processor) error {
	if p == nil {
		return fmt.Errorf("%w: nil processor", ErrInvalidFactory)
	}
	return r.Register(p.Name(), func() (Processor, error) { return p, nil })
}

// Unregister removes a processor and drops its cached instance.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("unregister %q: %w", name, ErrRegistrySealed)
	}
	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("unregister %q: %w", name, ErrProcessorNotFound)
	}
	delete(r.entries, name)
	return nil
}

// Seal freezes the set of registered processors.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Resolve returns the processor registered under name, instantiating and
// caching it on first use. Factory errors are not cached; the next Resolve
// calls the factory again.
func (r *Registry) Resolve(name string) (Processor, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrProcessorNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.instance != nil {
		return e.instance, nil
	}

	p, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("instantiate %q: %w", name, err)
	}
	if p == nil {
		return nil, fmt.Errorf("instantiate %q: %w: factory returned nil", name, ErrInvalidFactory)
	}
	e.instance = p

	r.logger.Debug().Str("processor", name).Msg("Processor instantiated")
	return p, nil
}

// Names returns all registered processor names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe resolves every processor and reports its capabilities.
// Processors whose factory fails are listed without capabilities.
func (r *Registry) Describe() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d := Descriptor{Name: name}
		if p, err := r.Resolve(name); err == nil {
			d.Capabilities = p.Capabilities()
			d.Instantiated = true
		} else {
			r.logger.Warn().Err(err).Str("processor", name).Msg("Failed to describe processor")
		}
		out = append(out, d)
	}
	return out
}

// FindByInput returns the names of processors accepting the given input type.
func (r *Registry) FindByInput(inputType string) []string {
	var matches []string
	for _, d := range r.Describe() {
		if d.Capabilities.AcceptsType(inputType) {
			matches = append(matches, d.Name)
		}
	}
	return matches
}

// HealthCheck probes every registered processor. The map holds nil for
// healthy processors.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, name := range r.Names() {
		p, err := r.Resolve(name)
		if err != nil {
			results[name] = err
			continue
		}
		results[name] = p.HealthCheck(ctx)
	}
	return results
}
