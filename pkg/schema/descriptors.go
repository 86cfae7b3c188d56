package schema

import (
	"slices"
	"strings"

	"github.com/diwise/entity-mapper/pkg/records"
)

type DataType string

const (
	Checkbox    DataType = "checkbox"
	Color       DataType = "color"
	Date        DataType = "date"
	DateTime    DataType = "date_time"
	Entity      DataType = "entity"
	EntityType  DataType = "entity_type"
	Float       DataType = "float"
	List        DataType = "list"
	MultiEntity DataType = "multi_entity"
	Number      DataType = "number"
	StatusList  DataType = "status_list"
	Summary     DataType = "summary"
	TagList     DataType = "tag_list"
	Text        DataType = "text"
	URL         DataType = "url"
)

// IsRelationship reports whether values of the data type reference other records.
func (d DataType) IsRelationship() bool {
	return d == Entity || d == MultiEntity
}

// EntityTypeDescriptor holds the name forms of an entity type. It is never
// modified once fetched.
type EntityTypeDescriptor struct {
	Type          string `json:"type"`
	DisplayName   string `json:"name"`
	TypePlural    string `json:"type_plural"`
	DisplayPlural string `json:"name_plural"`
}

// Names returns every name form the type can be referred to by, singular
// forms first.
func (d EntityTypeDescriptor) Names() []string {
	return []string{d.Type, d.DisplayName, d.TypePlural, d.DisplayPlural}
}

// FieldDescriptor describes a single field of an entity type. ValidTypes is
// only set for relationship fields.
type FieldDescriptor struct {
	Name        string   `json:"field"`
	DisplayName string   `json:"name"`
	Mandatory   bool     `json:"mandatory"`
	Editable    bool     `json:"editable"`
	DataType    DataType `json:"data_type"`
	ValidTypes  []string `json:"valid_types,omitempty"`
	ValidValues []any    `json:"valid_values,omitempty"`
}

func (f FieldDescriptor) AcceptsType(entityType string) bool {
	return slices.Contains(f.ValidTypes, entityType)
}

func newTypeDescriptor(entityType string, info records.TypeInfo, p *Pluralizer) EntityTypeDescriptor {
	displayName := strings.ReplaceAll(info.Name, " ", "")
	if displayName == "" {
		displayName = entityType
	}

	return EntityTypeDescriptor{
		Type:          entityType,
		DisplayName:   displayName,
		TypePlural:    p.Pluralize(entityType),
		DisplayPlural: p.Pluralize(displayName),
	}
}

func newFieldDescriptor(field string, info records.FieldInfo) FieldDescriptor {
	return FieldDescriptor{
		Name:        field,
		DisplayName: info.Name,
		Mandatory:   info.Mandatory,
		Editable:    info.Editable,
		DataType:    DataType(info.DataType),
		ValidTypes:  info.ValidTypes,
		ValidValues: info.ValidValues,
	}
}
