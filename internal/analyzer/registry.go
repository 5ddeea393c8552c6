package analyzer

import (
	"fmt"
	"regexp"
	"sync"
)

var categoryID = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Registry holds category analyzers in registration order. The order is
// significant: it breaks ties during category selection.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	analyzers map[string]CategoryAnalyzer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{analyzers: map[string]CategoryAnalyzer{}}
}

// Register appends an analyzer. Returns an error if the category already exists.
func (r *Registry) Register(a CategoryAnalyzer) error {
	if a == nil {
		return fmt.Errorf("analyzer: analyzer is required")
	}
	id := a.Category()
	if !categoryID.MatchString(id) {
		return fmt.Errorf("analyzer: invalid category id %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.analyzers[id]; exists {
		return fmt.Errorf("analyzer: %s already registered", id)
	}
	r.analyzers[id] = a
	r.order = append(r.order, id)
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(a CategoryAnalyzer) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Get returns the analyzer for category.
func (r *Registry) Get(category string) (CategoryAnalyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[category]
	return a, ok
}

// Categories returns category ids in registry order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Len returns the number of registered categories.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// DefaultRegistry registers one rule analyzer per category of rs, in rule
// set order.
func DefaultRegistry(rs *RuleSet) (*Registry, error) {
	reg := NewRegistry()
	for _, cat := range rs.Categories {
		if err := reg.Register(NewRuleAnalyzer(cat)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
