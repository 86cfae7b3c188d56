package memstore

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/diwise/entity-mapper/pkg/records"
	"gopkg.in/yaml.v2"
)

type seedType struct {
	Name   string                       `yaml:"name"`
	Fields map[string]records.FieldInfo `yaml:"fields"`
}

type seed struct {
	Types   map[string]seedType         `yaml:"types"`
	Records map[string][]map[string]any `yaml:"records"`
}

// LoadSeed creates a store holding the schema and records described by a
// yaml document of the form
//
//	types:
//	  Shot:
//	    name: Shot
//	    fields:
//	      code: {name: Code, editable: true, dataType: text}
//	records:
//	  Shot:
//	    - {id: 1, code: sh010}
func LoadSeed(r io.Reader) (*Store, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	doc := seed{}
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	s := New()

	for entityType, t := range doc.Types {
		s.AddType(entityType, records.TypeInfo{Name: t.Name}, t.Fields)
	}

	for _, entityType := range slices.Sorted(maps.Keys(doc.Records)) {
		for _, rec := range doc.Records[entityType] {
			values, _ := fromYAML(rec).(map[string]any)
			if _, err := s.Insert(entityType, values); err != nil {
				return nil, fmt.Errorf("failed to seed %s: %w", entityType, err)
			}
		}
	}

	return s, nil
}

// fromYAML converts the generic maps produced by the yaml decoder into
// string keyed maps.
func fromYAML(v any) any {
	switch value := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(value))
		for k, item := range value {
			m[fmt.Sprint(k)] = fromYAML(item)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(value))
		for k, item := range value {
			m[k] = fromYAML(item)
		}
		return m
	case []any:
		list := make([]any, 0, len(value))
		for _, item := range value {
			list = append(list, fromYAML(item))
		}
		return list
	}
	return v
}
