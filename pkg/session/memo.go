package session

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/diwise/entity-mapper/pkg/records"
)

// searchKey holds every criterion two searches must share for one to be
// served from the other.
type searchKey struct {
	one        bool
	entityType string
	filters    string
	order      string
	limit      int
}

func newSearchKey(one bool, entityType string, filters records.Filter, order []records.Order, limit int) (searchKey, error) {
	f, err := json.Marshal(filters)
	if err != nil {
		return searchKey{}, err
	}

	o, err := json.Marshal(order)
	if err != nil {
		return searchKey{}, err
	}

	return searchKey{
		one:        one,
		entityType: entityType,
		filters:    string(f),
		order:      string(o),
		limit:      limit,
	}, nil
}

type search struct {
	key    searchKey
	fields map[string]struct{}
	result any
}

func (s search) covers(fields []string) bool {
	for _, f := range fields {
		if _, ok := s.fields[f]; !ok {
			return false
		}
	}
	return true
}

// memo records the searches made during a session. It is only cleared
// together with the identity map.
type memo struct {
	mu       sync.Mutex
	searches []search
}

// lookup returns the result of an earlier search with the same key whose
// field set includes fields. Searches that found nothing are never recorded.
func (m *memo) lookup(key searchKey, fields []string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.searches {
		if s.key == key && s.covers(fields) {
			return cloneResult(s.result), true
		}
	}

	return nil, false
}

func (m *memo) record(key searchKey, fields []string, result any) {
	if isEmptyResult(result) {
		return
	}

	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.searches = append(m.searches, search{key: key, fields: set, result: cloneResult(result)})
}

// cloneResult copies list results so callers cannot reorder what later
// lookups return.
func cloneResult(result any) any {
	if list, ok := result.([]*Entity); ok {
		return slices.Clone(list)
	}
	return result
}

func (m *memo) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.searches = nil
}

func isEmptyResult(result any) bool {
	switch r := result.(type) {
	case *Entity:
		return r == nil
	case []*Entity:
		return len(r) == 0
	}
	return result == nil
}
