package session

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/diwise/entity-mapper/pkg/classes"
	"github.com/diwise/entity-mapper/pkg/records"
	recerrors "github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FindOne returns the single record of the named type matching q, or nil if
// there is none. An empty query returns a new, unsaved entity instead.
func (s *Session) FindOne(ctx context.Context, name string, q Query) (*Entity, error) {
	if q.isEmpty() {
		return s.New(ctx, name)
	}

	result, err := s.find(ctx, name, q, true)
	if err != nil {
		return nil, err
	}

	e, _ := result.(*Entity)
	return e, nil
}

// Find returns every record of the named type matching q.
func (s *Session) Find(ctx context.Context, name string, q Query) ([]*Entity, error) {
	result, err := s.find(ctx, name, q, false)
	if err != nil {
		return nil, err
	}

	entities, _ := result.([]*Entity)
	return entities, nil
}

func (s *Session) resolveType(ctx context.Context, name string) (string, error) {
	m, ok, err := s.schema.ResolveTypeName(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", recerrors.NewUnknownEntityTypeError(fmt.Sprintf("%q does not name an entity type", name))
	}
	return m.Type, nil
}

func (s *Session) find(ctx context.Context, name string, q Query, one bool) (result any, err error) {
	ctx, span := tracer.Start(ctx, "find", trace.WithAttributes(attribute.String("name", name), attribute.Bool("one", one)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	entityType, err := s.resolveType(ctx, name)
	if err != nil {
		return nil, err
	}

	filters, err := s.buildFilters(ctx, entityType, q)
	if err != nil {
		return nil, err
	}

	if id, ok := idCondition(filters); ok {
		if e, ok := s.identities.get(records.Ref{Type: entityType, ID: id}); ok {
			if one {
				return e, nil
			}
			return []*Entity{e}, nil
		}
	}

	fields, err := s.requestedFields(ctx, entityType, q)
	if err != nil {
		return nil, err
	}

	key, err := newSearchKey(one, entityType, filters, q.Order, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search: %w", err)
	}

	if cached, ok := s.searches.lookup(key, fields); ok {
		return cached, nil
	}

	log := logging.GetFromContext(ctx)

	if one {
		log.Debug("find one", "type", entityType, "filters", key.filters, "fields", fields, "order", key.order)

		var rec records.Record
		rec, err = s.svc.FindOne(ctx, entityType, filters, fields, q.Order)
		if err != nil {
			return nil, err
		}

		var e *Entity
		if rec != nil {
			e, err = s.materialize(ctx, entityType, rec)
			if err != nil {
				return nil, err
			}
		}

		s.searches.record(key, fields, e)
		return e, nil
	}

	log.Debug("find", "type", entityType, "filters", key.filters, "fields", fields, "order", key.order, "limit", q.Limit)

	recs, err := s.svc.Find(ctx, entityType, filters, fields, q.Order, q.Limit)
	if err != nil {
		return nil, err
	}

	entities := make([]*Entity, 0, len(recs))
	for _, rec := range recs {
		var e *Entity
		e, err = s.materialize(ctx, entityType, rec)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}

	s.searches.record(key, fields, entities)
	return entities, nil
}

// requestedFields returns the fields to fetch, defaulting to every field of
// the type.
func (s *Session) requestedFields(ctx context.Context, entityType string, q Query) ([]string, error) {
	fields := slices.Clone(q.Fields)

	if len(fields) == 0 {
		all, err := s.schema.Fields(ctx, entityType)
		if err != nil {
			return nil, err
		}
		fields = all
	}

	fields = slices.DeleteFunc(fields, func(f string) bool {
		return slices.Contains(q.ExcludeFields, f)
	})

	slices.Sort(fields)
	return slices.Compact(fields), nil
}

// New returns an unsaved entity. The name is either a type name in any of
// its forms, the name of a record class, or Base_Class naming a record class
// scoped under its base type.
func (s *Session) New(ctx context.Context, name string) (*Entity, error) {
	className, hint := name, ""

	if _, found, err := s.schema.ResolveTypeName(ctx, name); err != nil {
		return nil, err
	} else if !found {
		if base, class, ok := strings.Cut(name, "_"); ok {
			className, hint = class, base
		}
	}

	var entityType string

	class, ok := s.classes.FindCustomClass(className, hint)
	if ok {
		t, err := s.classEntityType(ctx, class)
		if err != nil {
			return nil, err
		}
		entityType = t
	} else {
		t, err := s.resolveType(ctx, className)
		if err != nil {
			return nil, err
		}
		entityType = t
	}

	e := newEntity(s, entityType, class, nil)

	if err := e.applySchemaDefaults(ctx); err != nil {
		return nil, err
	}

	if d, ok := class.(classes.Defaulter); ok {
		for field, value := range d.Defaults() {
			if err := e.Set(ctx, field, value); err != nil {
				return nil, err
			}
		}
	}

	hasDiscriminator, err := s.schema.HasField(ctx, entityType, s.opts.DiscriminatorField)
	if err != nil {
		return nil, err
	}

	if hasDiscriminator {
		if err := e.Set(ctx, s.opts.DiscriminatorField, className); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// classEntityType returns the entity type records of class are stored as.
func (s *Session) classEntityType(ctx context.Context, class classes.RecordClass) (string, error) {
	name := s.classes.EntityType(class)

	m, ok, err := s.schema.ResolveTypeName(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", recerrors.NewSchemaMismatchError(fmt.Sprintf("class %s is stored as %s, which is not an entity type", class.Name(), name))
	}

	return m.Type, nil
}

// materialize builds the entity for a fetched record and registers it.
func (s *Session) materialize(ctx context.Context, entityType string, rec records.Record) (*Entity, error) {
	class, err := s.classFor(ctx, entityType, rec)
	if err != nil {
		return nil, err
	}

	fields := map[string]any(rec)
	if class != nil {
		fields, err = class.FromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("class %s rejected record: %w", class.Name(), err)
		}
	}

	fields = normalizeRecord(fields)

	e := newEntity(s, entityType, class, fields)
	if !e.Persisted() {
		return e, nil
	}

	return s.identities.register(e, fields), nil
}

// classFor picks the record class for a fetched record. The discriminator
// value is tried first, then the type name and finally the display name.
func (s *Session) classFor(ctx context.Context, entityType string, rec records.Record) (classes.RecordClass, error) {
	displayName := s.schema.DisplayName(ctx, entityType)

	var candidates []string

	if discriminator, ok := rec[s.opts.DiscriminatorField].(string); ok && discriminator != "" {
		if base, rest, found := strings.Cut(discriminator, "_"); found {
			if ok, _ := s.schema.IsType(ctx, base); ok {
				discriminator = rest
			}
		}
		candidates = append(candidates, discriminator)
	}

	candidates = append(candidates, entityType, displayName)

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}

		class, ok := s.classes.FindCustomClass(candidate, entityType)
		if !ok && displayName != "" {
			class, ok = s.classes.FindCustomClass(candidate, displayName)
		}
		if !ok {
			continue
		}

		classType, err := s.classEntityType(ctx, class)
		if err != nil {
			return nil, err
		}

		if classType != entityType {
			return nil, recerrors.NewSchemaMismatchError(fmt.Sprintf("class %s is stored as %s, not %s", class.Name(), classType, entityType))
		}

		return class, nil
	}

	return nil, nil
}

// normalizeRecord drops the type key and turns reference maps into Refs.
func normalizeRecord(fields map[string]any) map[string]any {
	result := make(map[string]any, len(fields))

	for k, v := range fields {
		if k == "type" {
			continue
		}
		result[k] = normalizeValue(v)
	}

	return result
}

func normalizeValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		if ref, ok := records.AsRef(value); ok {
			return ref
		}
	case []any:
		list := make([]any, len(value))
		for i, item := range value {
			list[i] = normalizeValue(item)
		}
		return list
	}
	return v
}
