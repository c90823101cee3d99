// Package object implements the distributed object framework: typed field
// schemas, the dirty/saved dual state store, the class registry and the
// per-process object store.
//
// Every replicated entity is an Object. Its state lives in two maps: saved
// holds the authoritative state known to the network, dirty holds pending
// local writes. Reads resolve dirty first, then saved, then the field's
// default. Writes only ever touch dirty; Save merges dirty into saved when
// the change has been published.
package object

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

var (
	// ErrNoZone is returned when an object is constructed without a zone.
	// The zone attribute routes every message about the object, so there is
	// no meaningful default.
	ErrNoZone = errors.New("distributed object requires a zone")

	// ErrUnknownField is returned for local writes to fields the class does
	// not declare.
	ErrUnknownField = errors.New("unknown field")
)

// Object is one distributed object instance.
//
// Objects are not safe for concurrent use on their own; each instance is
// owned by exactly one server's store and mutated on that server's loops.
type Object struct {
	schema  *Schema
	saved   map[string]any
	dirty   map[string]any
	deleted bool
}

// New constructs a locally authored object. All provided fields land in the
// dirty layer (the network has not seen them yet), with schema defaults
// filled in underneath so the first create carries the full field set. A
// missing id is generated; a missing zone is an error.
func New(schema *Schema, fields map[string]any) (*Object, error) {
	o := &Object{
		schema: schema,
		saved:  make(map[string]any),
		dirty:  make(map[string]any, len(schema.order)),
	}
	for _, name := range schema.order {
		o.dirty[name] = schema.kinds[name].Default()
	}
	for name, value := range fields {
		if err := o.Set(name, value); err != nil {
			return nil, err
		}
	}
	if id, _ := o.dirty[FieldID].(string); id == "" {
		o.dirty[FieldID] = uuid.NewString()
	}
	if o.Zone() == "" {
		return nil, ErrNoZone
	}
	return o, nil
}

// Decode constructs an object from a wire create payload. The decoded state
// is authoritative, so it lands in saved with dirty empty. Unknown keys are
// tolerated and dropped; a peer running a newer schema must not wedge this
// process.
func Decode(schema *Schema, payload []byte) (*Object, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", schema.codeName, err)
	}
	o := &Object{
		schema: schema,
		saved:  make(map[string]any, len(fields)),
		dirty:  make(map[string]any),
	}
	for name, value := range fields {
		kind, ok := schema.kinds[name]
		if !ok {
			continue
		}
		normalized, err := kind.normalize(value)
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", schema.codeName, name, err)
		}
		o.saved[name] = normalized
	}
	if id, _ := o.saved[FieldID].(string); id == "" {
		o.saved[FieldID] = uuid.NewString()
	}
	if o.Zone() == "" {
		return nil, ErrNoZone
	}
	return o, nil
}

// Schema returns the class schema.
func (o *Object) Schema() *Schema { return o.schema }

// CodeName returns the class code name used on create channels.
func (o *Object) CodeName() string { return o.schema.codeName }

// Get reads a field: dirty first, then saved, then the declared default.
// Reading an undeclared field returns nil.
func (o *Object) Get(name string) any {
	if v, ok := o.dirty[name]; ok {
		return v
	}
	if v, ok := o.saved[name]; ok {
		return v
	}
	if kind, ok := o.schema.kinds[name]; ok {
		return kind.Default()
	}
	return nil
}

// Set stages a local write in the dirty layer. The value is validated
// against the field's declared kind.
func (o *Object) Set(name string, value any) error {
	kind, ok := o.schema.kinds[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, o.schema.codeName, name)
	}
	normalized, err := kind.normalize(value)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", o.schema.codeName, name, err)
	}
	o.dirty[name] = normalized
	return nil
}

// ID returns the object's stable identifier.
func (o *Object) ID() string {
	id, _ := o.Get(FieldID).(string)
	return id
}

// Zone returns the id of the owning zone.
func (o *Object) Zone() string {
	z, _ := o.Get(FieldZone).(string)
	return z
}

// Owner returns the owning client id, or nil when the zone owns the object.
func (o *Object) Owner() any { return o.Get(FieldOwner) }

// Created reports whether the network knows about this object: true once
// any state has reached the saved layer.
func (o *Object) Created() bool { return len(o.saved) > 0 }

// Deleted reports whether the object carries a tombstone.
func (o *Object) Deleted() bool { return o.deleted }

// MarkDeleted sets the tombstone. The next Save on the owning server turns
// it into a delete message.
func (o *Object) MarkDeleted() { o.deleted = true }

// Save merges dirty into saved and clears dirty. Called after the pending
// change has been handed to the network (or applied authoritatively).
func (o *Object) Save() {
	for name, value := range o.dirty {
		o.saved[name] = value
	}
	o.dirty = make(map[string]any)
}

// applyUpdate merges an inbound field map into the saved layer, returning
// whether any value actually changed. Unknown keys are dropped. A reflected
// message re-applying state the authority already holds reports no change,
// which is what keeps the local-first save path idempotent.
func (o *Object) applyUpdate(fields map[string]any) (bool, error) {
	changed := false
	for name, value := range fields {
		kind, ok := o.schema.kinds[name]
		if !ok {
			continue
		}
		normalized, err := kind.normalize(value)
		if err != nil {
			return changed, fmt.Errorf("update %s.%s: %w", o.schema.codeName, name, err)
		}
		previous, had := o.saved[name]
		if !had || !reflect.DeepEqual(previous, normalized) {
			changed = true
		}
		o.saved[name] = normalized
	}
	return changed, nil
}

// Snapshot returns the effective full state: saved overlaid with dirty.
func (o *Object) Snapshot() map[string]any {
	snap := make(map[string]any, len(o.saved)+len(o.dirty))
	for name, value := range o.saved {
		snap[name] = value
	}
	for name, value := range o.dirty {
		snap[name] = value
	}
	return snap
}

// Serialize renders the object for the wire. A create carries the full
// effective state; anything else carries the dirty diff plus id and zone so
// the receiver can route it.
func (o *Object) Serialize(forCreate bool) ([]byte, error) {
	if forCreate {
		return json.Marshal(o.Snapshot())
	}
	diff := make(map[string]any, len(o.dirty)+2)
	for name, value := range o.dirty {
		diff[name] = value
	}
	diff[FieldID] = o.ID()
	diff[FieldZone] = o.Zone()
	return json.Marshal(diff)
}
