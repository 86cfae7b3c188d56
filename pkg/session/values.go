package session

import (
	"encoding/json"
	"reflect"

	"github.com/diwise/entity-mapper/pkg/records"
)

const localPath = "local_path"

// equalValues compares two field values. Values pointing at the same local
// file are equal, references are equal when they point at the same record and
// relationship lists are compared without regard to order.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return isNil(a) && isNil(b)
	}

	pa, aHasPath := pathOf(a)
	pb, bHasPath := pathOf(b)
	if aHasPath && bHasPath {
		return pa == pb
	}

	ea, aIsEntity := a.(*Entity)
	eb, bIsEntity := b.(*Entity)
	if aIsEntity && bIsEntity && (ea == eb || !ea.Persisted() || !eb.Persisted()) {
		return ea == eb
	}

	ra, aIsRef := refOf(a)
	rb, bIsRef := refOf(b)
	if aIsRef || bIsRef {
		return aIsRef && bIsRef && ra == rb
	}

	la, aIsList := refsOf(a)
	lb, bIsList := refsOf(b)
	if aIsList && bIsList {
		return sameRefs(la, lb)
	}

	if na, ok := number(a); ok {
		nb, ok := number(b)
		return ok && na == nb
	}

	return reflect.DeepEqual(a, b)
}

func isNil(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case *Entity:
		return value == nil
	case *Collection:
		return value == nil
	}
	return false
}

func pathOf(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	p, ok := m[localPath].(string)
	return p, ok
}

func refOf(v any) (records.Ref, bool) {
	if e, ok := v.(*Entity); ok {
		if e == nil {
			return records.Ref{}, false
		}
		return e.Ref(), true
	}
	return records.AsRef(v)
}

// refsOf returns the references held by a relationship list. Lists holding
// anything but references are not relationship lists.
func refsOf(v any) ([]records.Ref, bool) {
	switch list := v.(type) {
	case *Collection:
		if list == nil {
			return nil, false
		}
		return list.Refs(), true
	case []*Entity:
		refs := make([]records.Ref, 0, len(list))
		for _, e := range list {
			refs = append(refs, e.Ref())
		}
		return refs, true
	case []any:
		refs := make([]records.Ref, 0, len(list))
		for _, item := range list {
			ref, ok := refOf(item)
			if !ok {
				return nil, false
			}
			refs = append(refs, ref)
		}
		return refs, true
	}
	return nil, false
}

func sameRefs(a, b []records.Ref) bool {
	if len(a) != len(b) {
		return false
	}

	for _, ref := range a {
		found := false
		for _, other := range b {
			if ref == other {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
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

// listOf returns the elements of any slice value, or v itself as a single
// element.
func listOf(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case *Collection:
		return list.values()
	case []byte:
		return []any{v}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return []any{v}
	}

	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list
}

// toWire converts a field value into the representation sent to the record
// service.
func toWire(v any) any {
	switch value := v.(type) {
	case *Entity:
		if value == nil {
			return nil
		}
		return value.Ref()
	case *Collection:
		if value == nil {
			return []any{}
		}
		refs := value.Refs()
		list := make([]any, 0, len(refs))
		for _, ref := range refs {
			list = append(list, ref)
		}
		return list
	case []*Entity:
		list := make([]any, 0, len(value))
		for _, e := range value {
			list = append(list, e.Ref())
		}
		return list
	case []any:
		list := make([]any, 0, len(value))
		for _, item := range value {
			list = append(list, toWire(item))
		}
		return list
	case map[string]any:
		m := make(map[string]any, len(value))
		for k, item := range value {
			m[k] = toWire(item)
		}
		return m
	}
	return v
}
