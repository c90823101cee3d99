package object

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned for updates or deletes addressing an id the store
// does not hold.
var ErrNotFound = errors.New("object not found")

// Callbacks are the user-level notifications a store fires, exactly once per
// effective mutation. Nil entries are skipped.
type Callbacks struct {
	Created func(*Object)
	Updated func(*Object)
	Deleted func(*Object)
}

// Store is the per-process collection of live distributed objects, one
// instance per id. Both zones (authoritative) and clients (replica) use the
// same store; only the surrounding server decides what a mutation means.
//
// Callbacks run after the store lock is released, so a callback may re-enter
// the store and create, update or delete further objects.
type Store struct {
	mu        sync.Mutex
	objects   map[string]*Object
	order     []string
	callbacks Callbacks
}

// NewStore builds an empty store with the given callbacks.
func NewStore(callbacks Callbacks) *Store {
	return &Store{
		objects:   make(map[string]*Object),
		callbacks: callbacks,
	}
}

// Create inserts a new object, fires Created and marks the object's state
// saved. If the id is already live this is an idempotent re-sync: the
// incoming state merges into the existing instance and nothing re-fires.
// The join state dump leans on exactly that behavior.
func (s *Store) Create(o *Object) {
	s.mu.Lock()
	existing, ok := s.objects[o.ID()]
	if ok {
		// A failed merge leaves the prior state intact.
		_, _ = existing.applyUpdate(o.Snapshot())
		s.mu.Unlock()
		return
	}
	o.Save()
	s.objects[o.ID()] = o
	s.order = append(s.order, o.ID())
	s.mu.Unlock()

	if s.callbacks.Created != nil {
		s.callbacks.Created(o)
	}
}

// Update applies a field diff to the identified object and fires Updated.
// The diff must carry an id. Re-applying state the object already holds is
// a no-op and does not fire, which makes reflected bus messages harmless on
// the server that originated them.
func (s *Store) Update(fields map[string]any) error {
	id, _ := fields[FieldID].(string)
	if id == "" {
		return fmt.Errorf("%w: update without id", ErrNotFound)
	}

	s.mu.Lock()
	o, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed, err := o.applyUpdate(fields)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if changed && s.callbacks.Updated != nil {
		s.callbacks.Updated(o)
	}
	return nil
}

// Delete removes the identified object and fires Deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	o, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.objects, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.callbacks.Deleted != nil {
		s.callbacks.Deleted(o)
	}
	return nil
}

// Get returns the live instance for id, or nil.
func (s *Store) Get(id string) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[id]
}

// Len returns the number of live objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// All returns the live objects in insertion order. The slice is a snapshot;
// iterating it while the store mutates is safe.
func (s *Store) All() []*Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Object, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.objects[id])
	}
	return out
}
