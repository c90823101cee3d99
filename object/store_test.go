package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	created []string
	updated []string
	deleted []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Created: func(o *Object) { r.created = append(r.created, o.ID()) },
		Updated: func(o *Object) { r.updated = append(r.updated, o.ID()) },
		Deleted: func(o *Object) { r.deleted = append(r.deleted, o.ID()) },
	}
}

func newMessage(t *testing.T, id, text string) *Object {
	t.Helper()
	o, err := New(messageSchema(), map[string]any{"zone": "chat", "id": id, "text": text})
	require.NoError(t, err)
	return o
}

func TestStoreCreateFiresOnceAndSaves(t *testing.T) {
	rec := &recorder{}
	s := NewStore(rec.callbacks())

	o := newMessage(t, "m1", "hi")
	s.Create(o)

	assert.Equal(t, []string{"m1"}, rec.created)
	assert.True(t, o.Created())
	assert.Equal(t, 1, s.Len())
	assert.Same(t, o, s.Get("m1"))
}

func TestStoreCreateOfExistingIsMerge(t *testing.T) {
	rec := &recorder{}
	s := NewStore(rec.callbacks())

	s.Create(newMessage(t, "m1", "hi"))
	// Re-sync with newer state under the same id: merge, no duplicate, no
	// second created callback.
	s.Create(newMessage(t, "m1", "hello"))

	assert.Equal(t, []string{"m1"}, rec.created)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, "hello", s.Get("m1").Get("text"))
}

func TestStoreUpdate(t *testing.T) {
	rec := &recorder{}
	s := NewStore(rec.callbacks())
	s.Create(newMessage(t, "m1", "hi"))

	require.NoError(t, s.Update(map[string]any{"id": "m1", "text": "bye"}))
	assert.Equal(t, []string{"m1"}, rec.updated)
	assert.Equal(t, "bye", s.Get("m1").Get("text"))

	// Re-applying identical state is a silent no-op (reflected messages).
	require.NoError(t, s.Update(map[string]any{"id": "m1", "text": "bye"}))
	assert.Equal(t, []string{"m1"}, rec.updated)
}

func TestStoreUpdateUnknownID(t *testing.T) {
	s := NewStore(Callbacks{})
	err := s.Update(map[string]any{"id": "ghost", "text": "boo"})
	require.ErrorIs(t, err, ErrNotFound)

	err = s.Update(map[string]any{"text": "no id"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	rec := &recorder{}
	s := NewStore(rec.callbacks())
	s.Create(newMessage(t, "m1", "hi"))

	require.NoError(t, s.Delete("m1"))
	assert.Equal(t, []string{"m1"}, rec.deleted)
	assert.Zero(t, s.Len())
	assert.Nil(t, s.Get("m1"))

	require.ErrorIs(t, s.Delete("m1"), ErrNotFound)
}

func TestStoreIterationOrderIsStable(t *testing.T) {
	s := NewStore(Callbacks{})
	for _, id := range []string{"a", "b", "c"} {
		s.Create(newMessage(t, id, id))
	}
	require.NoError(t, s.Delete("b"))
	s.Create(newMessage(t, "d", "d"))

	var ids []string
	for _, o := range s.All() {
		ids = append(ids, o.ID())
	}
	assert.Equal(t, []string{"a", "c", "d"}, ids)
}

// A callback must be able to mutate the store it was fired from.
func TestStoreReentrantCallback(t *testing.T) {
	var s *Store
	s = NewStore(Callbacks{
		Created: func(o *Object) {
			if o.ID() == "m1" {
				s.Create(newMessage(t, "m2", "follow-up"))
			}
		},
	})

	s.Create(newMessage(t, "m1", "hi"))
	assert.Equal(t, 2, s.Len())
	assert.NotNil(t, s.Get("m2"))
}
