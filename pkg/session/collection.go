package session

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/diwise/entity-mapper/pkg/records"
	recerrors "github.com/diwise/entity-mapper/pkg/records/errors"
)

type link struct {
	ref    records.Ref
	entity *Entity
}

func (l link) Ref() records.Ref {
	if l.entity != nil {
		return l.entity.Ref()
	}
	return l.ref
}

// Collection is the value of a multi-valued relationship field. Elements are
// kept as references and resolved into entities on first iteration.
type Collection struct {
	session *Session

	mu       sync.Mutex
	links    []link
	original []link
	modified bool
}

func newCollection(s *Session, values []any) (*Collection, error) {
	c := &Collection{session: s}

	for _, v := range values {
		l, err := linkOf(v)
		if err != nil {
			return nil, err
		}
		c.links = append(c.links, l)
	}

	c.original = slices.Clone(c.links)

	return c, nil
}

func linkOf(v any) (link, error) {
	if e, ok := v.(*Entity); ok && e != nil {
		return link{ref: e.Ref(), entity: e}, nil
	}

	ref, ok := records.AsRef(v)
	if !ok {
		return link{}, recerrors.NewBadRequestError(fmt.Sprintf("%v is not a record reference", v))
	}

	return link{ref: ref}, nil
}

func (c *Collection) Append(e *Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.links = append(c.links, link{ref: e.Ref(), entity: e})
	c.modified = true
}

func (c *Collection) AppendRef(ref records.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.links = append(c.links, link{ref: ref})
	c.modified = true
}

func (c *Collection) Extend(entities ...*Entity) {
	for _, e := range entities {
		c.Append(e)
	}
}

// Remove removes the first element referring to the same record as e.
func (c *Collection) Remove(e *Entity) bool {
	return c.RemoveRef(e.Ref())
}

func (c *Collection) RemoveRef(ref records.Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.IndexFunc(c.links, func(l link) bool { return l.Ref() == ref })
	if i < 0 {
		return false
	}

	c.links = slices.Delete(c.links, i, i+1)
	c.modified = true

	return true
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.links)
}

func (c *Collection) Refs() []records.Ref {
	c.mu.Lock()
	defer c.mu.Unlock()

	refs := make([]records.Ref, 0, len(c.links))
	for _, l := range c.links {
		refs = append(refs, l.Ref())
	}

	return refs
}

func (c *Collection) Contains(ref records.Ref) bool {
	return slices.Contains(c.Refs(), ref)
}

// Items yields the entities of the collection in order, looking up elements
// that have not been resolved yet.
func (c *Collection) Items(ctx context.Context) iter.Seq2[*Entity, error] {
	return func(yield func(*Entity, error) bool) {
		for i := 0; ; i++ {
			c.mu.Lock()
			if i >= len(c.links) {
				c.mu.Unlock()
				return
			}
			l := c.links[i]
			c.mu.Unlock()

			e, err := c.resolve(ctx, i, l)
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Entities resolves every element of the collection.
func (c *Collection) Entities(ctx context.Context) ([]*Entity, error) {
	var entities []*Entity

	for e, err := range c.Items(ctx) {
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}

	return entities, nil
}

func (c *Collection) resolve(ctx context.Context, i int, l link) (*Entity, error) {
	if l.entity != nil {
		return l.entity, nil
	}

	e, err := c.session.FindOne(ctx, l.ref.Type, Query{Key: l.ref.ID})
	if err != nil {
		return nil, err
	}

	if e == nil {
		return nil, recerrors.NewNoMatchingEntityError(fmt.Sprintf("record %s does not exist", l.ref))
	}

	c.mu.Lock()
	if i < len(c.links) && c.links[i].ref == l.ref && c.links[i].entity == nil {
		c.links[i].entity = e
	}
	c.mu.Unlock()

	return e, nil
}

// Equal reports whether both collections hold the same records, in any order.
func (c *Collection) Equal(other *Collection) bool {
	if other == nil {
		return false
	}
	return sameRefs(c.Refs(), other.Refs())
}

// Modified reports whether elements were added or removed since the
// collection was created or since the last call to SetOriginal.
func (c *Collection) Modified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.modified
}

// SetOriginal snapshots the current contents for a later revert.
func (c *Collection) SetOriginal() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.original = slices.Clone(c.links)
	c.modified = false
}

// Original returns a copy of the collection as of the last SetOriginal.
func (c *Collection) Original() *Collection {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Collection{
		session:  c.session,
		links:    slices.Clone(c.original),
		original: slices.Clone(c.original),
	}
}

func (c *Collection) revert() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.links = slices.Clone(c.original)
	c.modified = false
}

func (c *Collection) values() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make([]any, 0, len(c.links))
	for _, l := range c.links {
		if l.entity != nil {
			values = append(values, l.entity)
		} else {
			values = append(values, l.ref)
		}
	}

	return values
}
