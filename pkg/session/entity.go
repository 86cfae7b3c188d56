package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/diwise/entity-mapper/pkg/classes"
	"github.com/diwise/entity-mapper/pkg/records"
	recerrors "github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/diwise/entity-mapper/pkg/schema"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultColor string = "1,1,1"

// Entity is the local representation of a single record. Fields are loaded
// on first access and changes are tracked until the entity is committed.
type Entity struct {
	session    *Session
	entityType string
	class      classes.RecordClass

	mu      sync.Mutex
	id      int64
	fields  map[string]any
	dirty   map[string]any
	deleted bool
}

func newEntity(s *Session, entityType string, class classes.RecordClass, fields map[string]any) *Entity {
	e := &Entity{
		session:    s,
		entityType: entityType,
		class:      class,
		fields:     map[string]any{},
		dirty:      map[string]any{},
	}

	maps.Copy(e.fields, fields)

	if id, ok := records.ToID(e.fields["id"]); ok {
		e.id = id
		e.fields["id"] = id
	}

	return e
}

func errEntityNotStored(entityType string) error {
	return recerrors.NewEntityNotStoredError(fmt.Sprintf("entity of type %s has not been stored", entityType))
}

func (e *Entity) Type() string {
	return e.entityType
}

func (e *Entity) ID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.id
}

func (e *Entity) Persisted() bool {
	return e.ID() != 0
}

func (e *Entity) Deleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.deleted
}

func (e *Entity) Ref() records.Ref {
	return records.Ref{Type: e.entityType, ID: e.ID()}
}

// Class returns the record class the entity was materialised as, or nil for
// the generic representation.
func (e *Entity) Class() classes.RecordClass {
	return e.class
}

func (e *Entity) ClassName() string {
	if e.class != nil {
		return e.class.Name()
	}
	return e.entityType
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s(%d)", e.ClassName(), e.ID())
}

// Fields returns the names of the fields loaded or set locally.
func (e *Entity) Fields() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Sorted(maps.Keys(e.fields))
}

// AllFields returns the names of every field the entity's type has.
func (e *Entity) AllFields(ctx context.Context) ([]string, error) {
	return e.session.schema.Fields(ctx, e.entityType)
}

func (e *Entity) snapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	return maps.Clone(e.fields)
}

// merge copies fields the entity does not hold yet.
func (e *Entity) merge(fields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, v := range fields {
		if _, ok := e.fields[k]; !ok {
			e.fields[k] = v
		}
	}
}

// Get returns the value of a field, fetching it from the record service if it
// has not been loaded. References are returned as entities and multi-valued
// relationships as collections.
func (e *Entity) Get(ctx context.Context, name string) (any, error) {
	field, err := e.session.resolveField(ctx, e.entityType, name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	value, loaded := e.fields[field]
	id := e.id
	e.mu.Unlock()

	if !loaded {
		if id == 0 {
			return nil, errEntityNotStored(e.entityType)
		}

		value, err = e.fetchField(ctx, id, field)
		if err != nil {
			return nil, err
		}
	}

	return e.materializeField(ctx, field, value)
}

func (e *Entity) fetchField(ctx context.Context, id int64, field string) (value any, err error) {
	ctx, span := tracer.Start(ctx, "fetch-field", trace.WithAttributes(
		attribute.String("type", e.entityType), attribute.Int64("id", id), attribute.String("field", field),
	))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	logging.GetFromContext(ctx).Debug("fetching field", "type", e.entityType, "id", id, "field", field)

	rec, err := e.session.svc.FindOne(ctx, e.entityType, records.And(records.Cond("id", "is", id)), []string{field}, nil)
	if err != nil {
		return nil, err
	}

	raw, ok := rec[field]
	if rec == nil || !ok {
		err = recerrors.NewFieldNotFoundError(fmt.Sprintf("entity %s (%d) not found when searching for %s", e.entityType, id, field))
		return nil, err
	}

	value = normalizeValue(raw)

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.fields[field]; ok {
		return existing, nil
	}
	e.fields[field] = value

	return value, nil
}

// materializeField resolves references into entities and wraps lists into
// collections, storing the result back into the field.
func (e *Entity) materializeField(ctx context.Context, field string, value any) (any, error) {
	switch v := value.(type) {
	case records.Ref:
		fd, err := e.session.schema.FieldDescriptor(ctx, e.entityType, field)
		if err != nil {
			return nil, err
		}
		if fd.DataType == schema.URL {
			return v, nil
		}

		target, err := e.session.FindOne(ctx, v.Type, Query{Key: v.ID})
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, nil
		}

		e.mu.Lock()
		if current, ok := e.fields[field].(records.Ref); ok && current == v {
			e.fields[field] = target
		}
		e.mu.Unlock()

		return target, nil

	case []any:
		if _, ok := refsOf(v); !ok {
			return v, nil
		}

		if len(v) == 0 {
			fd, err := e.session.schema.FieldDescriptor(ctx, e.entityType, field)
			if err != nil {
				return nil, err
			}
			if fd.DataType != schema.MultiEntity {
				return v, nil
			}
		}

		c, err := newCollection(e.session, v)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		defer e.mu.Unlock()

		if current, ok := e.fields[field].(*Collection); ok {
			return current, nil
		}
		e.fields[field] = c

		return c, nil
	}

	return value, nil
}

// Set assigns a value to a field. Relationship values that are not entities
// are looked up by id or primary key among the field's valid types.
func (e *Entity) Set(ctx context.Context, name string, value any) error {
	field, err := e.session.resolveField(ctx, e.entityType, name)
	if err != nil {
		return err
	}

	fd, err := e.session.schema.FieldDescriptor(ctx, e.entityType, field)
	if err != nil {
		return err
	}

	value, err = e.session.convertValue(ctx, fd, value)
	if err != nil {
		return err
	}

	if !e.Persisted() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if isNil(value) {
			delete(e.dirty, field)
		} else {
			e.dirty[field] = nil
		}
		e.fields[field] = value

		return nil
	}

	current, err := e.Get(ctx, field)
	if err != nil {
		return err
	}

	e.mu.Lock()
	prior, hasPrior := e.dirty[field]
	e.mu.Unlock()

	changed := !equalValues(value, current)
	restored := hasPrior && equalValues(value, prior)

	e.mu.Lock()
	defer e.mu.Unlock()

	if changed {
		if restored {
			delete(e.dirty, field)
		} else if !hasPrior {
			e.dirty[field] = current
		}
	}
	e.fields[field] = value

	return nil
}

func (s *Session) convertValue(ctx context.Context, fd schema.FieldDescriptor, value any) (any, error) {
	if isNil(value) {
		return nil, nil
	}

	switch fd.DataType {
	case schema.Entity:
		return s.resolveRelationship(ctx, fd, value)

	case schema.MultiEntity:
		if c, ok := value.(*Collection); ok {
			return c, nil
		}

		items := listOf(value)
		entities := make([]any, 0, len(items))

		for _, item := range items {
			target, err := s.resolveRelationship(ctx, fd, item)
			if err != nil {
				return nil, err
			}
			entities = append(entities, target)
		}

		return newCollection(s, entities)

	case schema.URL:
		if text, ok := value.(string); ok {
			return map[string]any{localPath: text}, nil
		}
	}

	return value, nil
}

// resolveRelationship finds the entity a relationship value refers to.
func (s *Session) resolveRelationship(ctx context.Context, fd schema.FieldDescriptor, value any) (*Entity, error) {
	if e, ok := value.(*Entity); ok {
		return e, nil
	}

	if ref, ok := records.AsRef(value); ok {
		target, err := s.FindOne(ctx, ref.Type, Query{Key: ref.ID})
		if err != nil {
			return nil, err
		}
		if target != nil {
			return target, nil
		}
	} else {
		for _, validType := range fd.ValidTypes {
			known, err := s.schema.IsType(ctx, validType)
			if err != nil {
				return nil, err
			}
			if !known {
				continue
			}

			target, err := s.FindOne(ctx, validType, Query{Key: value})
			if errors.Is(err, recerrors.ErrNoPrimaryKey) || errors.Is(err, recerrors.ErrBadRequest) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if target != nil {
				return target, nil
			}
		}
	}

	return nil, recerrors.NewNoMatchingEntityError(fmt.Sprintf("cannot find a valid entity for %s (%v)", fd.Name, value))
}

// ModifiedFields returns the fields changed since the entity was loaded or
// last committed, including relationship collections that were modified in
// place.
func (e *Entity) ModifiedFields() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.modifiedLocked()
}

func (e *Entity) modifiedLocked() []string {
	modified := slices.Collect(maps.Keys(e.dirty))

	for field, value := range e.fields {
		if c, ok := value.(*Collection); ok && c.Modified() && !slices.Contains(modified, field) {
			modified = append(modified, field)
		}
	}

	slices.Sort(modified)
	return modified
}

// Commit writes the entity to the record service. A persisted entity without
// modified fields is left alone and false is returned. A new entity is
// created and registered with the session.
func (e *Entity) Commit(ctx context.Context) (committed bool, err error) {
	ctx, span := tracer.Start(ctx, "commit", trace.WithAttributes(attribute.String("type", e.entityType)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	e.mu.Lock()
	id := e.id
	modified := e.modifiedLocked()
	values := make(map[string]any, len(modified))
	for _, field := range modified {
		values[field] = e.fields[field]
	}
	e.mu.Unlock()

	payload := records.Record{}
	for field, value := range values {
		payload[field] = toWire(value)
	}

	if id != 0 {
		if len(modified) == 0 {
			return false, nil
		}

		log.Debug("updating record", "type", e.entityType, "id", id, "fields", modified)

		if err = e.session.svc.Update(ctx, e.entityType, id, payload); err != nil {
			return false, err
		}

		e.committed(id)
		return true, nil
	}

	log.Debug("creating record", "type", e.entityType, "fields", modified)

	id, err = e.session.svc.Create(ctx, e.entityType, payload)
	if err != nil {
		return false, err
	}

	e.committed(id)
	e.session.identities.register(e, nil)

	return true, nil
}

func (e *Entity) committed(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.id = id
	e.fields["id"] = id
	e.dirty = map[string]any{}

	for _, value := range e.fields {
		if c, ok := value.(*Collection); ok {
			c.SetOriginal()
		}
	}
}

// Revert restores the given fields, or every modified field, to the values
// they had before they were changed.
func (e *Entity) Revert(fields ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, field := range e.modifiedLocked() {
		if len(fields) > 0 && !slices.Contains(fields, field) && !slices.Contains(fields, e.session.opts.FieldPrefix+field) {
			continue
		}

		if prior, ok := e.dirty[field]; ok {
			delete(e.dirty, field)
			e.fields[field] = prior

			if c, ok := prior.(*Collection); ok {
				c.SetOriginal()
			}
			continue
		}

		if c, ok := e.fields[field].(*Collection); ok {
			c.revert()
		}
	}
}

// Reload fetches the loaded fields again, discarding local changes.
func (e *Entity) Reload(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "reload", trace.WithAttributes(attribute.String("type", e.entityType)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	e.mu.Lock()
	id := e.id
	fields := slices.Sorted(maps.Keys(e.fields))
	e.mu.Unlock()

	if id == 0 {
		err = errEntityNotStored(e.entityType)
		return err
	}

	logging.GetFromContext(ctx).Debug("reloading record", "type", e.entityType, "id", id)

	rec, err := e.session.svc.FindOne(ctx, e.entityType, records.And(records.Cond("id", "is", id)), fields, nil)
	if err != nil {
		return err
	}
	if rec == nil {
		err = recerrors.NewNotFoundError(fmt.Sprintf("entity %s (%d) no longer exists", e.entityType, id))
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.fields = normalizeRecord(rec)
	e.fields["id"] = id
	e.dirty = map[string]any{}

	return nil
}

// Delete removes the record from the record service. The entity stays in the
// identity map but must not be used afterwards.
func (e *Entity) Delete(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "delete", trace.WithAttributes(attribute.String("type", e.entityType)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	id := e.ID()
	if id == 0 {
		err = errEntityNotStored(e.entityType)
		return err
	}

	logging.GetFromContext(ctx).Debug("deleting record", "type", e.entityType, "id", id)

	if err = e.session.svc.Delete(ctx, e.entityType, id); err != nil {
		return err
	}

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	return nil
}

// applySchemaDefaults gives every editable field of a new entity its default
// value. Defaults are not considered modifications.
func (e *Entity) applySchemaDefaults(ctx context.Context) error {
	fields, err := e.session.schema.Fields(ctx, e.entityType)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, field := range fields {
		if _, ok := e.fields[field]; ok || field == "id" {
			continue
		}

		fd, err := e.session.schema.FieldDescriptor(ctx, e.entityType, field)
		if err != nil {
			return err
		}

		if !fd.Editable {
			continue
		}

		switch fd.DataType {
		case schema.MultiEntity:
			e.fields[field], _ = newCollection(e.session, nil)
		case schema.TagList:
			e.fields[field] = []any{}
		case schema.Checkbox:
			e.fields[field] = false
		case schema.Color:
			e.fields[field] = defaultColor
		case schema.Summary:
		default:
			e.fields[field] = nil
		}
	}

	return nil
}
