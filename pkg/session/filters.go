package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/diwise/entity-mapper/pkg/records"
	recerrors "github.com/diwise/entity-mapper/pkg/records/errors"
)

// Where is a field condition of a Query. Values that are slices match any of
// their elements.
type Where struct {
	Field string
	Value any
}

func Eq(field string, value any) Where {
	return Where{Field: field, Value: value}
}

// Query selects the records returned by FindOne and Find. Key is either a
// numeric id or a value for the first primary text key the type has.
type Query struct {
	Key           any
	Where         []Where
	Fields        []string
	ExcludeFields []string
	Order         []records.Order
	Limit         int
}

func (q Query) isEmpty() bool {
	return !q.hasKey() && len(q.Where) == 0
}

// hasKey reports whether the query carries a key. Empty strings and zero ids
// count as no key.
func (q Query) hasKey() bool {
	if q.Key == nil {
		return false
	}
	if text, ok := q.Key.(string); ok {
		return text != ""
	}
	if id, ok := records.ToID(q.Key); ok {
		return id != 0
	}
	return true
}

// resolveField returns the name field is stored under on entityType,
// trying the literal name before the prefixed alternative.
func (s *Session) resolveField(ctx context.Context, entityType, field string) (string, error) {
	ok, err := s.schema.HasField(ctx, entityType, field)
	if err != nil {
		return "", err
	}
	if ok {
		return field, nil
	}

	alternative := s.opts.FieldPrefix + field
	ok, err = s.schema.HasField(ctx, entityType, alternative)
	if err != nil {
		return "", err
	}
	if ok {
		return alternative, nil
	}

	return "", recerrors.NewUnknownFieldError(fmt.Sprintf("unknown field in entity %s: %s", entityType, field))
}

// primaryKey returns the first primary text key that exists on entityType.
func (s *Session) primaryKey(ctx context.Context, entityType string) (string, error) {
	for _, key := range s.opts.PrimaryKeys {
		ok, err := s.schema.HasField(ctx, entityType, key)
		if err != nil {
			return "", err
		}
		if ok {
			return key, nil
		}
	}

	return "", recerrors.NewNoPrimaryKeyError(fmt.Sprintf(
		"entity type %s does not have one of the primary keys (%s)", entityType, strings.Join(s.opts.PrimaryKeys, ", "),
	))
}

func (s *Session) buildFilters(ctx context.Context, entityType string, q Query) (records.Filter, error) {
	conditions := []records.Filter{}

	if q.hasKey() {
		c, err := s.keyCondition(ctx, entityType, q.Key)
		if err != nil {
			return records.Filter{}, err
		}
		conditions = append(conditions, c)
	}

	for _, w := range q.Where {
		c, err := s.whereCondition(ctx, entityType, w)
		if err != nil {
			return records.Filter{}, err
		}
		conditions = append(conditions, c)
	}

	return records.And(conditions...), nil
}

func (s *Session) keyCondition(ctx context.Context, entityType string, key any) (records.Filter, error) {
	if text, ok := key.(string); ok {
		pk, err := s.primaryKey(ctx, entityType)
		if err != nil {
			return records.Filter{}, err
		}
		return records.Cond(pk, "is", text), nil
	}

	id, ok := records.ToID(key)
	if !ok {
		return records.Filter{}, recerrors.NewBadRequestError(fmt.Sprintf("unsupported key %v (%T)", key, key))
	}

	return records.Cond("id", "is", id), nil
}

func (s *Session) whereCondition(ctx context.Context, entityType string, w Where) (records.Filter, error) {
	field, err := s.resolveField(ctx, entityType, w.Field)
	if err != nil {
		return records.Filter{}, err
	}

	if ref, ok := refOf(w.Value); ok {
		return records.Cond(field, "is", ref), nil
	}

	fd, err := s.schema.FieldDescriptor(ctx, entityType, field)
	if err != nil {
		return records.Filter{}, err
	}

	values := []any{w.Value}
	if w.Value != nil {
		values = listOf(w.Value)
	}

	relation := "is"
	if len(values) > 1 {
		relation = "in"
	}

	if !fd.DataType.IsRelationship() || w.Value == nil {
		return records.Cond(field, relation, values...), nil
	}

	probes := []records.Filter{}
	for _, validType := range fd.ValidTypes {
		known, err := s.schema.IsType(ctx, validType)
		if err != nil {
			return records.Filter{}, err
		}
		if !known {
			continue
		}

		pk, err := s.primaryKey(ctx, validType)
		if errors.Is(err, recerrors.ErrNoPrimaryKey) {
			continue
		}
		if err != nil {
			return records.Filter{}, err
		}

		probes = append(probes, records.Cond(field+"."+validType+"."+pk, relation, values...))
	}

	return records.Or(probes...), nil
}

// idCondition returns the id of the first top level "id is" condition.
func idCondition(filters records.Filter) (int64, bool) {
	for _, c := range filters.Conditions {
		if c.IsGroup() || c.Path != "id" || c.Relation != "is" || len(c.Values) != 1 {
			continue
		}
		if id, ok := records.ToID(c.Values[0]); ok {
			return id, true
		}
	}
	return 0, false
}
