package object

import (
	"errors"
	"fmt"
)

// ErrUnknownClass is returned when a create names a class code name that is
// not registered. Servers log and drop the message; the lookup failure is
// recoverable.
var ErrUnknownClass = errors.New("unknown distributed object class")

// Registry is the ordered set of distributed object classes a process knows
// about, queried by class code name. Agents, zones and clients of one fabric
// share the same registry so create payloads decode identically everywhere.
type Registry struct {
	schemas []*Schema
	byName  map[string]*Schema
}

// NewRegistry validates and indexes the given schemas. Ordering is
// preserved. Nil entries and duplicate code names are rejected.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{
		schemas: make([]*Schema, 0, len(schemas)),
		byName:  make(map[string]*Schema, len(schemas)),
	}
	for _, s := range schemas {
		if s == nil {
			return nil, errors.New("object: nil schema in registry")
		}
		if _, dup := r.byName[s.codeName]; dup {
			return nil, fmt.Errorf("object: duplicate class code name %q", s.codeName)
		}
		r.schemas = append(r.schemas, s)
		r.byName[s.codeName] = s
	}
	return r, nil
}

// MustRegistry is NewRegistry for package-level registry variables.
func MustRegistry(schemas ...*Schema) *Registry {
	r, err := NewRegistry(schemas...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup resolves a class code name.
func (r *Registry) Lookup(codeName string) (*Schema, error) {
	s, ok := r.byName[codeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, codeName)
	}
	return s, nil
}

// Schemas returns the registered classes in registration order.
func (r *Registry) Schemas() []*Schema {
	out := make([]*Schema, len(r.schemas))
	copy(out, r.schemas)
	return out
}
