package sidecache

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/diwise/entity-mapper/pkg/schema"
)

// Memory is a process local schema.Store, shared by every cache created
// with it.
type Memory struct {
	mu     sync.RWMutex
	types  map[string]*schema.EntityTypeDescriptor
	fields map[string]map[string]*schema.FieldDescriptor
}

func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.types = map[string]*schema.EntityTypeDescriptor{}
	m.fields = map[string]map[string]*schema.FieldDescriptor{}
}

func (m *Memory) Types(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Sorted(maps.Keys(m.types)), nil
}

func (m *Memory) AddType(_ context.Context, entityType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.types[entityType]; !ok {
		m.types[entityType] = nil
	}
	return nil
}

func (m *Memory) TypeDetails(_ context.Context, entityType string) (schema.EntityTypeDescriptor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := m.types[entityType]
	if d == nil {
		return schema.EntityTypeDescriptor{}, false, nil
	}
	return *d, true, nil
}

func (m *Memory) SetTypeDetails(_ context.Context, details schema.EntityTypeDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.types[details.Type] = &details
	return nil
}

func (m *Memory) Fields(_ context.Context, entityType string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Sorted(maps.Keys(m.fields[entityType])), nil
}

func (m *Memory) AddField(_ context.Context, entityType, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fields[entityType]; !ok {
		m.fields[entityType] = map[string]*schema.FieldDescriptor{}
	}
	if _, ok := m.fields[entityType][field]; !ok {
		m.fields[entityType][field] = nil
	}
	return nil
}

func (m *Memory) FieldDetails(_ context.Context, entityType, field string) (schema.FieldDescriptor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fd := m.fields[entityType][field]
	if fd == nil {
		return schema.FieldDescriptor{}, false, nil
	}
	return *fd, true, nil
}

func (m *Memory) SetFieldDetails(_ context.Context, entityType string, details schema.FieldDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fields[entityType]; !ok {
		m.fields[entityType] = map[string]*schema.FieldDescriptor{}
	}
	m.fields[entityType][details.Name] = &details
	return nil
}

func (m *Memory) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	return nil
}
