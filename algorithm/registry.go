package algorithm

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("algorithm already registered")
	ErrNotFound          = errors.New("algorithm not found")
)

// Registry is the exclusive-ownership catalog mapping (name, version) to
// specs. It is written during startup and administrative loads only; steady
// state traffic reads it concurrently.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	specs     map[string]*Spec
	overrides []Override
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		specs:  make(map[string]*Spec),
	}
}

// Register validates and adds a spec. Overrides already loaded apply to the
// new spec before it becomes visible. A duplicate (name, version) fails with
// ErrAlreadyRegistered and leaves the registry unchanged.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil {
		return fmt.Errorf("register: nil spec")
	}

	// Store a copy so later caller mutations cannot reach the catalog.
	s := *spec
	s.normalize()
	if err := s.validate(); err != nil {
		return fmt.Errorf("register %s: %w", s.Key(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := s.Key()
	if _, exists := r.specs[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}

	for i := range r.overrides {
		if r.overrides[i].matches(&s) {
			r.overrides[i].apply(&s)
		}
	}

	r.specs[key] = &s
	r.logger.Info("algorithm registered",
		"name", s.Name,
		"version", s.Version,
		"type", string(s.AlgorithmType),
		"mode", string(s.Execution.Mode),
	)
	return nil
}

// Get returns the spec for (name, version) or ErrNotFound.
func (r *Registry) Get(name, version string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[Key(name, version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotFound, name, version)
	}
	return spec, nil
}

// List returns all specs sorted by key for a stable API response.
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]*Spec, 0, len(r.specs))
	for _, s := range r.specs {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Key() < specs[j].Key()
	})
	return specs
}

// Len returns the number of registered algorithms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}
