package records

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Record is a single row as returned by the remote record service. Fetched
// records always carry "type" and "id".
type Record map[string]any

func (r Record) Type() string {
	t, _ := r["type"].(string)
	return t
}

func (r Record) ID() (int64, bool) {
	return ToID(r["id"])
}

// Ref is a reference to a remote record.
type Ref struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.ID)
}

// AsRef recognises the different shapes a record reference can take.
func AsRef(v any) (Ref, bool) {
	switch ref := v.(type) {
	case Ref:
		return ref, true
	case *Ref:
		if ref == nil {
			return Ref{}, false
		}
		return *ref, true
	case map[string]any:
		return refFromMap(ref)
	case Record:
		return refFromMap(ref)
	}
	return Ref{}, false
}

// attachmentKeys mark a map as a file or link value. Such values may carry a
// type and id but are kept whole.
var attachmentKeys = []string{"local_path", "url", "link_type"}

// IsAttachment reports whether v is a file or link value rather than a plain
// reference.
func IsAttachment(v any) bool {
	var m map[string]any
	switch value := v.(type) {
	case map[string]any:
		m = value
	case Record:
		m = value
	default:
		return false
	}

	for _, key := range attachmentKeys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

func refFromMap(m map[string]any) (Ref, bool) {
	if IsAttachment(m) {
		return Ref{}, false
	}
	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return Ref{}, false
	}
	id, ok := ToID(m["id"])
	if !ok {
		return Ref{}, false
	}
	return Ref{Type: typ, ID: id}, true
}

// ToID normalises an id from any of the numeric encodings it may arrive in.
func ToID(v any) (int64, bool) {
	switch id := v.(type) {
	case int:
		return int64(id), true
	case int32:
		return int64(id), true
	case int64:
		return id, true
	case uint32:
		return int64(id), true
	case float64:
		if id != math.Trunc(id) {
			return 0, false
		}
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Filter is a node in a filter tree. A node is either a condition (Path,
// Relation and Values set) or a group of conditions joined by a logical
// operator.
type Filter struct {
	Path     string `json:"path,omitempty"`
	Relation string `json:"relation,omitempty"`
	Values   []any  `json:"values,omitempty"`

	LogicalOperator string   `json:"logical_operator,omitempty"`
	Conditions      []Filter `json:"conditions,omitempty"`
}

func (f Filter) IsGroup() bool {
	return f.LogicalOperator != ""
}

func And(conditions ...Filter) Filter {
	return Filter{LogicalOperator: "and", Conditions: append([]Filter{}, conditions...)}
}

func Or(conditions ...Filter) Filter {
	return Filter{LogicalOperator: "or", Conditions: append([]Filter{}, conditions...)}
}

func Cond(path, relation string, values ...any) Filter {
	return Filter{Path: path, Relation: relation, Values: values}
}

// Order describes a sort criterion for Find and FindOne.
type Order struct {
	Field     string `json:"field_name"`
	Direction string `json:"direction"`
}

func Asc(field string) Order {
	return Order{Field: field, Direction: "asc"}
}

func Desc(field string) Order {
	return Order{Field: field, Direction: "desc"}
}

// TypeInfo is the introspection result for a single entity type.
type TypeInfo struct {
	Name string `json:"name" yaml:"name"`
}

// FieldInfo is the introspection result for a single field.
type FieldInfo struct {
	Name        string   `json:"name" yaml:"name"`
	Mandatory   bool     `json:"mandatory" yaml:"mandatory"`
	Editable    bool     `json:"editable" yaml:"editable"`
	DataType    string   `json:"data_type" yaml:"dataType"`
	ValidTypes  []string `json:"valid_types,omitempty" yaml:"validTypes"`
	ValidValues []any    `json:"valid_values,omitempty" yaml:"validValues"`
}

// Service is the generic query/update API of the remote record store.
type Service interface {
	SchemaListTypes(ctx context.Context) (map[string]TypeInfo, error)
	SchemaListFields(ctx context.Context, entityType string) (map[string]FieldInfo, error)

	FindOne(ctx context.Context, entityType string, filters Filter, fields []string, order []Order) (Record, error)
	Find(ctx context.Context, entityType string, filters Filter, fields []string, order []Order, limit int) ([]Record, error)

	Create(ctx context.Context, entityType string, values Record) (int64, error)
	Update(ctx context.Context, entityType string, id int64, values Record) error
	Delete(ctx context.Context, entityType string, id int64) error
}
