package memstore

import (
	"cmp"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/diwise/entity-mapper/pkg/records"
	"github.com/diwise/entity-mapper/pkg/records/errors"
)

// match reports whether row satisfies the filter tree. Must be called with
// at least a read lock held.
func (s *Store) match(entityType string, row records.Record, f records.Filter) (bool, error) {
	if f.IsGroup() {
		switch f.LogicalOperator {
		case "and":
			for _, c := range f.Conditions {
				ok, err := s.match(entityType, row, c)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		case "or":
			for _, c := range f.Conditions {
				ok, err := s.match(entityType, row, c)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		}
		return false, errors.NewBadRequestError(fmt.Sprintf("unknown logical operator %q", f.LogicalOperator))
	}

	if f.Path == "" && f.Relation == "" {
		return true, nil
	}

	values := make([]any, 0, len(f.Values))
	for _, v := range f.Values {
		values = append(values, normalize(v))
	}

	found := s.resolvePath(entityType, row, f.Path)

	switch f.Relation {
	case "is":
		return anyEqual(found, values), nil
	case "is_not":
		return !anyEqual(found, values), nil
	case "in":
		return anyEqual(found, flatten(values)), nil
	case "not_in":
		return !anyEqual(found, flatten(values)), nil
	case "contains":
		for _, v := range found {
			text, ok := v.(string)
			if !ok || len(values) == 0 {
				continue
			}
			if needle, ok := values[0].(string); ok && strings.Contains(text, needle) {
				return true, nil
			}
		}
		return false, nil
	case "greater_than", "less_than":
		if len(values) != 1 {
			return false, errors.NewBadRequestError(fmt.Sprintf("relation %s expects a single value", f.Relation))
		}
		for _, v := range found {
			c, ok := compare(v, values[0])
			if !ok {
				continue
			}
			if (f.Relation == "greater_than" && c > 0) || (f.Relation == "less_than" && c < 0) {
				return true, nil
			}
		}
		return false, nil
	}

	return false, errors.NewBadRequestError(fmt.Sprintf("unknown relation %q", f.Relation))
}

// resolvePath returns the values found at a field path. Paths of the form
// field.Type.sub follow references to records of Type. List values
// contribute each of their elements.
func (s *Store) resolvePath(entityType string, row records.Record, path string) []any {
	field, rest, deep := strings.Cut(path, ".")

	value, ok := row[field]
	if !ok && field == "type" {
		value = entityType
	}

	items := []any{value}
	if list, ok := value.([]any); ok {
		items = list
	}

	if !deep {
		return items
	}

	targetType, sub, ok := strings.Cut(rest, ".")
	if !ok {
		return nil
	}

	found := []any{}
	for _, item := range items {
		ref, ok := records.AsRef(item)
		if !ok || ref.Type != targetType {
			continue
		}
		target, ok := s.rows[targetType][ref.ID]
		if !ok {
			continue
		}
		found = append(found, s.resolvePath(targetType, target, sub)...)
	}

	return found
}

func flatten(values []any) []any {
	result := []any{}
	for _, v := range values {
		if list, ok := v.([]any); ok {
			result = append(result, list...)
			continue
		}
		result = append(result, v)
	}
	return result
}

func anyEqual(found, values []any) bool {
	for _, f := range found {
		for _, v := range values {
			if equal(f, v) {
				return true
			}
		}
	}
	return false
}

func equal(a, b any) bool {
	if ra, ok := records.AsRef(a); ok {
		rb, ok := records.AsRef(b)
		return ok && ra == rb
	}

	if c, ok := compare(a, b); ok {
		return c == 0
	}

	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if na, ok := number(a); ok {
		if nb, ok := number(b); ok {
			return cmp.Compare(na, nb), true
		}
		return 0, false
	}

	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}

	return strings.Compare(sa, sb), true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// sortRows orders rows by the order criteria. Rows that compare equal keep
// their id order.
func sortRows(rows []records.Record, order []records.Order) {
	if len(order) == 0 {
		return
	}

	slices.SortStableFunc(rows, func(a, b records.Record) int {
		for _, o := range order {
			c := compareValues(a[o.Field], b[o.Field])
			if strings.EqualFold(o.Direction, "desc") {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

// compareValues sorts nil before any other value.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if c, ok := compare(a, b); ok {
		return c
	}

	if ra, ok := records.AsRef(a); ok {
		if rb, ok := records.AsRef(b); ok {
			return cmp.Or(strings.Compare(ra.Type, rb.Type), cmp.Compare(ra.ID, rb.ID))
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
