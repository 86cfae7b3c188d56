package session

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/diwise/entity-mapper/pkg/records"
)

// identityMap holds the canonical entity per type and id.
type identityMap struct {
	mu       sync.Mutex
	entities map[records.Ref]*Entity
}

func newIdentityMap() *identityMap {
	return &identityMap{entities: map[records.Ref]*Entity{}}
}

func (m *identityMap) get(ref records.Ref) (*Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[ref]
	return e, ok
}

// register stores e unless another instance is already registered for the
// same record. In that case fields missing from the registered instance are
// copied over from fields and the registered instance is returned.
func (m *identityMap) register(e *Entity, fields map[string]any) *Entity {
	ref := e.Ref()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entities[ref]; ok {
		if existing != e {
			existing.merge(fields)
		}
		return existing
	}

	m.entities[ref] = e
	return e
}

func (m *identityMap) remove(ref records.Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entities, ref)
}

func (m *identityMap) all() []*Entity {
	m.mu.Lock()
	defer m.mu.Unlock()

	entities := slices.Collect(maps.Values(m.entities))
	slices.SortFunc(entities, func(a, b *Entity) int {
		return cmp.Or(cmp.Compare(a.Type(), b.Type()), cmp.Compare(a.ID(), b.ID()))
	})

	return entities
}

func (m *identityMap) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entities = map[records.Ref]*Entity{}
}
