package schema

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/diwise/entity-mapper/pkg/records"
	"github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Introspector is the part of the record service the schema cache needs.
type Introspector interface {
	SchemaListTypes(ctx context.Context) (map[string]records.TypeInfo, error)
	SchemaListFields(ctx context.Context, entityType string) (map[string]records.FieldInfo, error)
}

// Match is the result of resolving a name against the known entity types.
type Match struct {
	Type   string
	Plural bool
}

type CacheOption func(*Cache)

// WithStore adds a persistent side cache that is consulted before the
// record service and written to after every remote fetch.
func WithStore(store Store) CacheOption {
	return func(c *Cache) {
		c.store = store
	}
}

func WithPluralizer(p *Pluralizer) CacheOption {
	return func(c *Cache) {
		c.plural = p
	}
}

var tracer = otel.Tracer("entity-mapper/schema")

// Cache is a read-through cache of entity type and field metadata. Entries are
// populated lazily, one remote fetch per key regardless of the number of
// concurrent callers, and are never invalidated except by Refresh and
// RefreshType.
type Cache struct {
	source Introspector
	store  Store
	plural *Pluralizer

	group     singleflight.Group
	refreshMu sync.Mutex

	mu         sync.RWMutex
	generation uint64
	types      map[string]EntityTypeDescriptor
	fields     map[string]map[string]FieldDescriptor
}

func NewCache(source Introspector, options ...CacheOption) *Cache {
	c := &Cache{
		source: source,
		fields: map[string]map[string]FieldDescriptor{},
	}

	for _, option := range options {
		option(c)
	}

	if c.plural == nil {
		c.plural = NewPluralizer(nil)
	}

	return c
}

func (c *Cache) Pluralizer() *Pluralizer {
	return c.plural
}

// Types returns the names of all entity types, sorted.
func (c *Cache) Types(ctx context.Context) ([]string, error) {
	if err := c.ensureTypes(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	slices.Sort(names)

	return names, nil
}

func (c *Cache) IsType(ctx context.Context, entityType string) (bool, error) {
	if err := c.ensureTypes(ctx); err != nil {
		return false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.types[entityType]
	return ok, nil
}

func (c *Cache) TypeDescriptor(ctx context.Context, entityType string) (EntityTypeDescriptor, error) {
	if err := c.ensureTypes(ctx); err != nil {
		return EntityTypeDescriptor{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.types[entityType]
	if !ok {
		return EntityTypeDescriptor{}, errors.NewUnknownEntityTypeError(fmt.Sprintf("entity type %q does not exist", entityType))
	}

	return d, nil
}

// DisplayName returns the display name of a type, or "" if the type is unknown.
func (c *Cache) DisplayName(ctx context.Context, entityType string) string {
	d, err := c.TypeDescriptor(ctx, entityType)
	if err != nil {
		return ""
	}
	return d.DisplayName
}

// Fields returns the names of all fields of a type, sorted.
func (c *Cache) Fields(ctx context.Context, entityType string) ([]string, error) {
	if err := c.ensureFields(ctx, entityType); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	fields := c.fields[entityType]
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	return names, nil
}

func (c *Cache) HasField(ctx context.Context, entityType, field string) (bool, error) {
	if err := c.ensureFields(ctx, entityType); err != nil {
		return false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.fields[entityType][field]
	return ok, nil
}

func (c *Cache) FieldDescriptor(ctx context.Context, entityType, field string) (FieldDescriptor, error) {
	if err := c.ensureFields(ctx, entityType); err != nil {
		return FieldDescriptor{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	fd, ok := c.fields[entityType][field]
	if !ok {
		return FieldDescriptor{}, errors.NewUnknownFieldError(fmt.Sprintf("entity type %s has no field %q", entityType, field))
	}

	return fd, nil
}

// ResolveTypeName maps any of the name forms of a type (type name, display
// name or the plural of either) to the type name. Singular forms win over
// plural forms.
func (c *Cache) ResolveTypeName(ctx context.Context, candidate string) (Match, bool, error) {
	names, err := c.Types(ctx)
	if err != nil {
		return Match{}, false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.types[candidate]; ok {
		return Match{Type: candidate}, true, nil
	}

	for _, name := range names {
		if c.types[name].DisplayName == candidate {
			return Match{Type: name}, true, nil
		}
	}

	for _, name := range names {
		d := c.types[name]
		if d.TypePlural == candidate || d.DisplayPlural == candidate {
			return Match{Type: name, Plural: true}, true, nil
		}
	}

	return Match{}, false, nil
}

// Refresh rebuilds the complete cache from the record service, replacing the
// contents of the side cache. Callers never observe a partially refreshed
// cache: the new contents are swapped in once fully loaded.
func (c *Cache) Refresh(ctx context.Context) error {
	var err error

	ctx, span := tracer.Start(ctx, "refresh-schema")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	log := logging.GetFromContext(ctx)
	log.Info("refreshing schema cache")

	infos, err := c.source.SchemaListTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entity types: %w", err)
	}

	types := make(map[string]EntityTypeDescriptor, len(infos))
	fields := make(map[string]map[string]FieldDescriptor, len(infos))

	for entityType, info := range infos {
		types[entityType] = newTypeDescriptor(entityType, info, c.plural)

		var fieldInfos map[string]records.FieldInfo
		fieldInfos, err = c.source.SchemaListFields(ctx, entityType)
		if err != nil {
			return fmt.Errorf("failed to list fields of %s: %w", entityType, err)
		}

		fields[entityType] = newFieldDescriptors(fieldInfos)
	}

	if c.store != nil {
		if err = c.store.DeleteAll(ctx); err != nil {
			return fmt.Errorf("failed to clear schema side cache: %w", err)
		}

		for entityType, d := range types {
			c.persistType(ctx, d)
			c.persistFields(ctx, entityType, fields[entityType])
		}
	}

	c.mu.Lock()
	c.types = types
	c.fields = fields
	c.generation++
	c.mu.Unlock()

	log.Info("schema cache refreshed", "types", len(types))

	return nil
}

// RefreshType reloads the descriptor and fields of a single type.
func (c *Cache) RefreshType(ctx context.Context, entityType string) error {
	var err error

	ctx, span := tracer.Start(ctx, "refresh-schema-type", trace.WithAttributes(attribute.String("entity-type", entityType)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	logging.GetFromContext(ctx).Info("updating schema cache", "type", entityType)

	infos, err := c.source.SchemaListTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entity types: %w", err)
	}

	info, ok := infos[entityType]
	if !ok {
		err = errors.NewUnknownEntityTypeError(fmt.Sprintf("entity type %q not found in schema", entityType))
		return err
	}

	fieldInfos, err := c.source.SchemaListFields(ctx, entityType)
	if err != nil {
		return fmt.Errorf("failed to list fields of %s: %w", entityType, err)
	}

	d := newTypeDescriptor(entityType, info, c.plural)
	fields := newFieldDescriptors(fieldInfos)

	c.persistType(ctx, d)
	c.persistFields(ctx, entityType, fields)

	c.mu.Lock()
	if c.types != nil {
		c.types[entityType] = d
	}
	c.fields[entityType] = fields
	c.generation++
	c.mu.Unlock()

	return nil
}

func (c *Cache) ensureTypes(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.types != nil
	generation := c.generation
	c.mu.RUnlock()

	if loaded {
		return nil
	}

	_, err, _ := c.group.Do("types", func() (any, error) {
		c.mu.RLock()
		done := c.types != nil
		c.mu.RUnlock()

		if done {
			return nil, nil
		}

		types, err := c.loadTypes(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.generation == generation && c.types == nil {
			c.types = types
		}

		return nil, nil
	})

	return err
}

func (c *Cache) ensureFields(ctx context.Context, entityType string) error {
	if _, err := c.TypeDescriptor(ctx, entityType); err != nil {
		return err
	}

	c.mu.RLock()
	_, loaded := c.fields[entityType]
	generation := c.generation
	c.mu.RUnlock()

	if loaded {
		return nil
	}

	_, err, _ := c.group.Do("fields:"+entityType, func() (any, error) {
		c.mu.RLock()
		_, done := c.fields[entityType]
		c.mu.RUnlock()

		if done {
			return nil, nil
		}

		fields, err := c.loadFields(ctx, entityType)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if _, ok := c.fields[entityType]; c.generation == generation && !ok {
			c.fields[entityType] = fields
		}

		return nil, nil
	})

	return err
}

func (c *Cache) loadTypes(ctx context.Context) (map[string]EntityTypeDescriptor, error) {
	log := logging.GetFromContext(ctx)

	if c.store != nil {
		types, ok, err := c.loadTypesFromStore(ctx)
		if err != nil {
			log.Warn("failed to read entity types from side cache", "err", err.Error())
		} else if ok {
			return types, nil
		}
	}

	log.Debug("fetching entity types from record service")

	infos, err := c.source.SchemaListTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity types: %w", err)
	}

	types := make(map[string]EntityTypeDescriptor, len(infos))
	for entityType, info := range infos {
		d := newTypeDescriptor(entityType, info, c.plural)
		types[entityType] = d
		c.persistType(ctx, d)
	}

	return types, nil
}

func (c *Cache) loadTypesFromStore(ctx context.Context) (map[string]EntityTypeDescriptor, bool, error) {
	names, err := c.store.Types(ctx)
	if err != nil || len(names) == 0 {
		return nil, false, err
	}

	types := make(map[string]EntityTypeDescriptor, len(names))
	for _, name := range names {
		d, ok, err := c.store.TypeDetails(ctx, name)
		if err != nil || !ok {
			return nil, false, err
		}
		types[name] = d
	}

	return types, true, nil
}

func (c *Cache) loadFields(ctx context.Context, entityType string) (map[string]FieldDescriptor, error) {
	log := logging.GetFromContext(ctx)

	if c.store != nil {
		fields, ok, err := c.loadFieldsFromStore(ctx, entityType)
		if err != nil {
			log.Warn("failed to read fields from side cache", "type", entityType, "err", err.Error())
		} else if ok {
			return fields, nil
		}
	}

	log.Debug("fetching fields from record service", "type", entityType)

	infos, err := c.source.SchemaListFields(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list fields of %s: %w", entityType, err)
	}

	fields := newFieldDescriptors(infos)
	c.persistFields(ctx, entityType, fields)

	return fields, nil
}

func (c *Cache) loadFieldsFromStore(ctx context.Context, entityType string) (map[string]FieldDescriptor, bool, error) {
	names, err := c.store.Fields(ctx, entityType)
	if err != nil || len(names) == 0 {
		return nil, false, err
	}

	fields := make(map[string]FieldDescriptor, len(names))
	for _, name := range names {
		fd, ok, err := c.store.FieldDetails(ctx, entityType, name)
		if err != nil || !ok {
			return nil, false, err
		}
		fields[name] = fd
	}

	return fields, true, nil
}

func (c *Cache) persistType(ctx context.Context, d EntityTypeDescriptor) {
	if c.store == nil {
		return
	}

	err := c.store.AddType(ctx, d.Type)
	if err == nil {
		err = c.store.SetTypeDetails(ctx, d)
	}

	if err != nil {
		logging.GetFromContext(ctx).Warn("failed to write entity type to side cache", "type", d.Type, "err", err.Error())
	}
}

func (c *Cache) persistFields(ctx context.Context, entityType string, fields map[string]FieldDescriptor) {
	if c.store == nil {
		return
	}

	for name, fd := range fields {
		err := c.store.AddField(ctx, entityType, name)
		if err == nil {
			err = c.store.SetFieldDetails(ctx, entityType, fd)
		}

		if err != nil {
			logging.GetFromContext(ctx).Warn("failed to write field to side cache", "type", entityType, "field", name, "err", err.Error())
			return
		}
	}
}

func newFieldDescriptors(infos map[string]records.FieldInfo) map[string]FieldDescriptor {
	fields := make(map[string]FieldDescriptor, len(infos))
	for name, info := range infos {
		fields[name] = newFieldDescriptor(name, info)
	}
	return fields
}
