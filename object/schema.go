package object

import (
	"fmt"
	"strings"
)

// Mandatory fields every distributed object carries regardless of its
// declared schema.
const (
	FieldID    = "id"
	FieldOwner = "owner"
	FieldZone  = "zone"
)

// Field declares one typed attribute of a distributed object class.
type Field struct {
	Name string
	Kind Kind
}

// Schema is the fixed field table of a distributed object class: one table
// per class, built once at definition time, consulted on every read and
// write.
type Schema struct {
	codeName string
	kinds    map[string]Kind
	order    []string
}

// NewSchema builds the schema for a class. The code name is the identifier
// used on create channels and in the registry. The mandatory id, owner and
// zone fields are added implicitly; declaring them again, declaring a dotted
// code name, or declaring duplicate fields is a programming error and
// panics, mirroring a class-definition failure.
func NewSchema(codeName string, fields ...Field) *Schema {
	if codeName == "" || strings.Contains(codeName, ".") {
		panic(fmt.Sprintf("object: invalid class code name %q", codeName))
	}
	s := &Schema{
		codeName: codeName,
		kinds: map[string]Kind{
			FieldID:    KindString,
			FieldOwner: KindOpaque,
			FieldZone:  KindString,
		},
		order: []string{FieldID, FieldOwner, FieldZone},
	}
	for _, f := range fields {
		if f.Name == "" {
			panic(fmt.Sprintf("object: class %s declares an unnamed field", codeName))
		}
		if _, exists := s.kinds[f.Name]; exists {
			panic(fmt.Sprintf("object: class %s redeclares field %q", codeName, f.Name))
		}
		s.kinds[f.Name] = f.Kind
		s.order = append(s.order, f.Name)
	}
	return s
}

// CodeName returns the class identifier used on the wire.
func (s *Schema) CodeName() string { return s.codeName }

// FieldKind looks up the kind of a declared field.
func (s *Schema) FieldKind(name string) (Kind, bool) {
	k, ok := s.kinds[name]
	return k, ok
}

// Fields returns the declared field names in definition order.
func (s *Schema) Fields() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
