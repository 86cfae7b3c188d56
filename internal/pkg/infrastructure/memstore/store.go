package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/diwise/entity-mapper/pkg/records"
	"github.com/diwise/entity-mapper/pkg/records/errors"
)

const (
	OpSchemaListTypes  string = "SchemaListTypes"
	OpSchemaListFields string = "SchemaListFields"
	OpFindOne          string = "FindOne"
	OpFind             string = "Find"
	OpCreate           string = "Create"
	OpUpdate           string = "Update"
	OpDelete           string = "Delete"
)

// Store is an in-memory record service. It keeps a schema, a table of
// records per type and counts the calls made to each operation.
type Store struct {
	mu     sync.RWMutex
	types  map[string]records.TypeInfo
	fields map[string]map[string]records.FieldInfo
	rows   map[string]map[int64]records.Record
	nextID int64

	callsMu sync.Mutex
	calls   map[string]int
}

func New() *Store {
	return &Store{
		types:  map[string]records.TypeInfo{},
		fields: map[string]map[string]records.FieldInfo{},
		rows:   map[string]map[int64]records.Record{},
		nextID: 1,
		calls:  map[string]int{},
	}
}

// AddType adds an entity type to the schema. Every type gets an id field.
func (s *Store) AddType(entityType string, info records.TypeInfo, fields map[string]records.FieldInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.Name == "" {
		info.Name = entityType
	}

	s.types[entityType] = info
	s.fields[entityType] = map[string]records.FieldInfo{
		"id": {Name: "Id", DataType: "number"},
	}
	maps.Copy(s.fields[entityType], fields)

	if _, ok := s.rows[entityType]; !ok {
		s.rows[entityType] = map[int64]records.Record{}
	}
}

// Insert stores a record without counting it as a call. A record without an
// id is given the next free one.
func (s *Store) Insert(entityType string, values records.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := records.ToID(values["id"])
	if !ok {
		id = s.nextID
	}

	if err := s.put(entityType, id, values); err != nil {
		return 0, err
	}

	return id, nil
}

func (s *Store) put(entityType string, id int64, values records.Record) error {
	table, ok := s.rows[entityType]
	if !ok {
		return errors.NewUnknownEntityTypeError(fmt.Sprintf("entity type %s does not exist", entityType))
	}

	row := records.Record{}
	for field, value := range values {
		if field == "type" || field == "id" {
			continue
		}
		if _, ok := s.fields[entityType][field]; !ok {
			return errors.NewUnknownFieldError(fmt.Sprintf("entity type %s has no field %s", entityType, field))
		}
		row[field] = normalize(value)
	}

	row["id"] = id
	table[id] = row

	if id >= s.nextID {
		s.nextID = id + 1
	}

	return nil
}

// Calls returns the number of times an operation has been called.
func (s *Store) Calls(op string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	return s.calls[op]
}

func (s *Store) ResetCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	s.calls = map[string]int{}
}

func (s *Store) count(op string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	s.calls[op]++
}

func (s *Store) SchemaListTypes(ctx context.Context) (map[string]records.TypeInfo, error) {
	s.count(OpSchemaListTypes)

	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.types), nil
}

func (s *Store) SchemaListFields(ctx context.Context, entityType string) (map[string]records.FieldInfo, error) {
	s.count(OpSchemaListFields)

	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.fields[entityType]
	if !ok {
		return nil, errors.NewUnknownEntityTypeError(fmt.Sprintf("entity type %s does not exist", entityType))
	}

	return maps.Clone(fields), nil
}

func (s *Store) FindOne(ctx context.Context, entityType string, filters records.Filter, fields []string, order []records.Order) (records.Record, error) {
	s.count(OpFindOne)

	result, err := s.query(entityType, filters, fields, order, 1)
	if err != nil || len(result) == 0 {
		return nil, err
	}

	return result[0], nil
}

func (s *Store) Find(ctx context.Context, entityType string, filters records.Filter, fields []string, order []records.Order, limit int) ([]records.Record, error) {
	s.count(OpFind)

	return s.query(entityType, filters, fields, order, limit)
}

func (s *Store) query(entityType string, filters records.Filter, fields []string, order []records.Order, limit int) ([]records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.rows[entityType]
	if !ok {
		return nil, errors.NewUnknownEntityTypeError(fmt.Sprintf("entity type %s does not exist", entityType))
	}

	matching := []records.Record{}

	for _, id := range slices.Sorted(maps.Keys(table)) {
		row := table[id]

		ok, err := s.match(entityType, row, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matching = append(matching, row)
		}
	}

	sortRows(matching, order)

	if limit > 0 && len(matching) > limit {
		matching = matching[:limit]
	}

	result := make([]records.Record, 0, len(matching))
	for _, row := range matching {
		result = append(result, project(entityType, row, fields))
	}

	return result, nil
}

// project returns a copy of row holding the requested fields, the type and
// the id. Requested fields without a value are returned as nil.
func project(entityType string, row records.Record, fields []string) records.Record {
	rec := records.Record{"type": entityType, "id": row["id"]}

	for _, field := range fields {
		if field == "type" || field == "id" {
			continue
		}
		rec[field] = clone(row[field])
	}

	return rec
}

func (s *Store) Create(ctx context.Context, entityType string, values records.Record) (int64, error) {
	s.count(OpCreate)

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	if err := s.put(entityType, id, values); err != nil {
		return 0, err
	}

	return id, nil
}

func (s *Store) Update(ctx context.Context, entityType string, id int64, values records.Record) error {
	s.count(OpUpdate)

	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.row(entityType, id)
	if err != nil {
		return err
	}

	merged := maps.Clone(row)
	maps.Copy(merged, values)

	return s.put(entityType, id, merged)
}

func (s *Store) Delete(ctx context.Context, entityType string, id int64) error {
	s.count(OpDelete)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.row(entityType, id); err != nil {
		return err
	}

	delete(s.rows[entityType], id)
	return nil
}

func (s *Store) row(entityType string, id int64) (records.Record, error) {
	table, ok := s.rows[entityType]
	if !ok {
		return nil, errors.NewUnknownEntityTypeError(fmt.Sprintf("entity type %s does not exist", entityType))
	}

	row, ok := table[id]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s %d not found", entityType, id))
	}

	return row, nil
}

// normalize stores references as Refs and copies lists and maps.
func normalize(v any) any {
	switch value := v.(type) {
	case map[string]any:
		if ref, ok := records.AsRef(value); ok {
			return ref
		}
		m := make(map[string]any, len(value))
		for k, item := range value {
			m[k] = normalize(item)
		}
		return m
	case records.Record:
		return normalize(map[string]any(value))
	case *records.Ref:
		if value == nil {
			return nil
		}
		return *value
	case []records.Ref:
		list := make([]any, 0, len(value))
		for _, ref := range value {
			list = append(list, ref)
		}
		return list
	case []any:
		list := make([]any, 0, len(value))
		for _, item := range value {
			list = append(list, normalize(item))
		}
		return list
	}

	if id, ok := v.(int); ok {
		return int64(id)
	}

	return v
}

func clone(v any) any {
	switch value := v.(type) {
	case []any:
		return slices.Clone(value)
	case map[string]any:
		return maps.Clone(value)
	}
	return v
}
