package ot

import (
	"sync"

	"github.com/alimasry/otsync/errs"
)

// Registry maps type names and URIs to OT types. Each backend owns its own
// registry so independent instances never share registrations.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewRegistry returns a registry holding the given types.
func NewRegistry(types ...Type) *Registry {
	r := &Registry{types: make(map[string]Type)}
	for _, t := range types {
		r.Register(t)
	}
	return r
}

// DefaultRegistry returns a registry with the built-in text and json0 types.
func DefaultRegistry() *Registry {
	return NewRegistry(Text{}, JSON0{})
}

// Register stores t under both its name and its URI.
func (r *Registry) Register(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name()] = t
	r.types[t.URI()] = t
}

// Lookup finds a type by name or URI.
func (r *Registry) Lookup(nameOrURI string) (Type, error) {
	r.mu.RLock()
	t, ok := r.types[nameOrURI]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.DocTypeNotRecognized, "type %q not recognized", nameOrURI)
	}
	return t, nil
}
