package classes

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// RootName is the name of the generic class every record class ultimately
// derives from.
const RootName = "Entity"

// RecordClass is a pluggable specialisation of the generic entity
// representation, selected by a record's discriminator value or type name.
type RecordClass interface {
	Name() string
	// TypeName is the entity type records of this class are stored as.
	TypeName() string
	// BaseName is the name of the immediate base class, "" or RootName for
	// classes deriving directly from the generic entity.
	BaseName() string
	FromFields(fields map[string]any) (map[string]any, error)
}

// Defaulter is implemented by classes that add field values to new records.
type Defaulter interface {
	Defaults() map[string]any
}

// Class is the RecordClass used for scanned descriptors and for simple code
// registrations.
type Class struct {
	ClassName   string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Base        string         `yaml:"base"`
	FieldValues map[string]any `yaml:"defaults"`

	Convert func(fields map[string]any) (map[string]any, error) `yaml:"-"`
}

func (c *Class) Name() string     { return c.ClassName }
func (c *Class) TypeName() string { return c.Type }
func (c *Class) BaseName() string { return c.Base }

func (c *Class) Defaults() map[string]any {
	return maps.Clone(c.FieldValues)
}

func (c *Class) FromFields(fields map[string]any) (map[string]any, error) {
	if c.Convert != nil {
		return c.Convert(fields)
	}
	return maps.Clone(fields), nil
}

// Path returns the lookup path of className, scoped under hint when the hint
// names something other than the class itself.
func Path(className, hint string) string {
	if hint != "" && hint != className {
		return strings.ToLower(hint) + "." + strings.ToLower(className)
	}
	return strings.ToLower(className)
}

// Registry is the table of known record classes keyed by lower-cased lookup
// path. Classes registered from code take precedence over scanned ones.
type Registry struct {
	mu      sync.RWMutex
	roots   []string
	code    map[string]RecordClass
	scanned map[string]RecordClass
}

func NewRegistry(roots ...string) *Registry {
	return &Registry{
		roots:   slices.Clone(roots),
		code:    map[string]RecordClass{},
		scanned: map[string]RecordClass{},
	}
}

// Register adds a class under the path derived from its type name.
func (r *Registry) Register(c RecordClass) {
	r.RegisterAt(Path(c.Name(), c.TypeName()), c)
}

func (r *Registry) RegisterAt(path string, c RecordClass) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.code[strings.ToLower(path)] = c
}

// FindCustomClass looks for a class named exactly className, scoped under
// hint. A miss is reported through the boolean and is not an error.
func (r *Registry) FindCustomClass(className, hint string) (RecordClass, bool) {
	if className == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lookup(Path(className, hint), className)
}

func (r *Registry) lookup(path, className string) (RecordClass, bool) {
	if c, ok := r.code[path]; ok && c.Name() == className {
		return c, true
	}
	if c, ok := r.scanned[path]; ok && c.Name() == className {
		return c, true
	}
	return nil, false
}

// All returns every known class ordered by lookup path.
func (r *Registry) All() []RecordClass {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := maps.Clone(r.scanned)
	maps.Copy(merged, r.code)

	paths := slices.Sorted(maps.Keys(merged))
	result := make([]RecordClass, 0, len(paths))
	for _, p := range paths {
		result = append(result, merged[p])
	}

	return result
}

// ByName returns the first class, in lookup path order, with the given name.
func (r *Registry) ByName(name string) (RecordClass, bool) {
	for _, c := range r.All() {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// EntityBase returns the top-most ancestor of c below the generic root.
func (r *Registry) EntityBase(c RecordClass) RecordClass {
	seen := map[string]bool{}

	for !isRoot(c.BaseName()) && !seen[c.Name()] {
		seen[c.Name()] = true

		base, ok := r.ByName(c.BaseName())
		if !ok {
			break
		}
		c = base
	}

	return c
}

// EntityType returns the entity type records of class c are stored as,
// falling back to the name of its entity base.
func (r *Registry) EntityType(c RecordClass) string {
	if t := c.TypeName(); t != "" {
		return t
	}
	return r.EntityBase(c).Name()
}

// IsSubclass reports whether the class named class derives from, or is, the
// class named base.
func (r *Registry) IsSubclass(class, base string) bool {
	if class == base || base == RootName {
		return true
	}

	seen := map[string]bool{}
	current := class

	for !seen[current] {
		seen[current] = true

		c, ok := r.ByName(current)
		if !ok || isRoot(c.BaseName()) {
			return false
		}
		if c.BaseName() == base {
			return true
		}
		current = c.BaseName()
	}

	return false
}

func isRoot(name string) bool {
	return name == "" || name == RootName
}
