package provider

import (
	"fmt"
	"sort"

	"github.com/duaia/backend/internal/models"
)

// Registry binds operation kinds to the adapter that serves them.
type Registry struct {
	byKind map[models.OperationKind]Adapter
	byName map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		byKind: make(map[models.OperationKind]Adapter),
		byName: make(map[string]Adapter),
	}
}

// Register binds each kind to a. A kind can be bound only once.
func (r *Registry) Register(a Adapter, kinds ...models.OperationKind) error {
	for _, k := range kinds {
		if existing, ok := r.byKind[k]; ok {
			return fmt.Errorf("operation %q already served by %s", k, existing.Name())
		}
	}
	for _, k := range kinds {
		r.byKind[k] = a
	}
	r.byName[a.Name()] = a
	return nil
}

func (r *Registry) ForKind(kind models.OperationKind) (Adapter, bool) {
	a, ok := r.byKind[kind]
	return a, ok
}

func (r *Registry) ByName(name string) (Adapter, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Kinds returns all bound operation kinds, sorted.
func (r *Registry) Kinds() []models.OperationKind {
	out := make([]models.OperationKind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
