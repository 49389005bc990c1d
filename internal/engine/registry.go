package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory constructs a fresh engine instance for one session.
type Factory func() Engine

// Registry maps core path schemes such as "testpattern:" to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in cores registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TestPatternScheme, func() Engine { return NewTestPattern() })
	return r
}

func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
}

func (r *Registry) Open(corePath string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if scheme, _, ok := strings.Cut(corePath, ":"); ok {
		if f, ok := r.factories[scheme]; ok {
			return f(), nil
		}
	}
	return nil, fmt.Errorf("no engine registered for core %q (known: %s)", corePath, strings.Join(r.schemesLocked(), ", "))
}

func (r *Registry) schemesLocked() []string {
	schemes := make([]string, 0, len(r.factories))
	for s := range r.factories {
		schemes = append(schemes, s+":")
	}
	sort.Strings(schemes)
	return schemes
}
