package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/diwise/entity-mapper/pkg/classes"
	recerrors "github.com/diwise/entity-mapper/pkg/records/errors"
)

type OperationKind int

const (
	FindEntity OperationKind = iota
	FindEntities
	FindClass
	FindClasses
)

func (k OperationKind) String() string {
	switch k {
	case FindEntity:
		return "FindEntity"
	case FindEntities:
		return "FindEntities"
	case FindClass:
		return "FindClass"
	case FindClasses:
		return "FindClasses"
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// Operation is a lookup bound to a name such as Shot, Shots,
// Version_ClientVersion or ClientVersions.
type Operation struct {
	session *Session

	Kind  OperationKind
	Name  string
	Type  string
	Class classes.RecordClass
}

// Operation resolves a name into the lookup it stands for. Names are tried
// as singular and plural entity type names first, then as record class
// names. Resolved operations are remembered for the lifetime of the session.
func (s *Session) Operation(ctx context.Context, name string) (*Operation, error) {
	s.opsMu.Lock()
	op, ok := s.ops[name]
	s.opsMu.Unlock()

	if ok {
		return op, nil
	}

	op, err := s.resolveOperation(ctx, name)
	if err != nil {
		return nil, err
	}

	s.opsMu.Lock()
	defer s.opsMu.Unlock()

	if existing, ok := s.ops[name]; ok {
		return existing, nil
	}
	s.ops[name] = op

	return op, nil
}

func (s *Session) resolveOperation(ctx context.Context, name string) (*Operation, error) {
	m, ok, err := s.schema.ResolveTypeName(ctx, name)
	if err != nil {
		return nil, err
	}

	if ok {
		kind := FindEntity
		if m.Plural {
			kind = FindEntities
		}
		return &Operation{session: s, Kind: kind, Name: name, Type: m.Type}, nil
	}

	if class, ok := s.findClass(name); ok {
		entityType, err := s.classEntityType(ctx, class)
		if err != nil {
			return nil, err
		}
		return &Operation{session: s, Kind: FindClass, Name: name, Type: entityType, Class: class}, nil
	}

	singulars := []string{s.schema.Pluralizer().Singularize(name)}
	if trimmed, ok := strings.CutSuffix(name, "s"); ok && trimmed != singulars[0] {
		singulars = append(singulars, trimmed)
	}

	for _, singular := range singulars {
		if class, ok := s.findClass(singular); ok {
			entityType, err := s.classEntityType(ctx, class)
			if err != nil {
				return nil, err
			}
			return &Operation{session: s, Kind: FindClasses, Name: name, Type: entityType, Class: class}, nil
		}
	}

	return nil, recerrors.NewUnknownEntityTypeError(fmt.Sprintf("%q does not name an entity type or record class", name))
}

// findClass looks up a class by Base_Class or plain class name. Plain names
// also match classes scoped under a type.
func (s *Session) findClass(name string) (classes.RecordClass, bool) {
	if base, class, ok := strings.Cut(name, "_"); ok {
		return s.classes.FindCustomClass(class, base)
	}
	if class, ok := s.classes.FindCustomClass(name, ""); ok {
		return class, true
	}
	return s.classes.ByName(name)
}

// One returns a single matching record. Class operations without a key or
// conditions return a new entity of the class.
func (o *Operation) One(ctx context.Context, q Query) (*Entity, error) {
	switch o.Kind {
	case FindEntity, FindEntities:
		return o.session.FindOne(ctx, o.Type, q)
	}

	if q.isEmpty() && o.Kind == FindClass {
		return o.session.New(ctx, o.Name)
	}

	q.Limit = 0
	results, err := o.All(ctx, q)
	if err != nil || len(results) == 0 {
		return nil, err
	}

	return results[0], nil
}

// All returns every matching record. Class operations only return records
// materialised as the operation's class or one of its subclasses.
func (o *Operation) All(ctx context.Context, q Query) ([]*Entity, error) {
	if o.Kind == FindEntity || o.Kind == FindEntities {
		return o.session.Find(ctx, o.Type, q)
	}

	limit := q.Limit
	q.Limit = 0

	results, err := o.session.Find(ctx, o.Type, q)
	if err != nil {
		return nil, err
	}

	matching := []*Entity{}
	for _, e := range results {
		if e.Class() == nil || !o.session.classes.IsSubclass(e.Class().Name(), o.Class.Name()) {
			continue
		}

		matching = append(matching, e)
		if limit > 0 && len(matching) >= limit {
			break
		}
	}

	return matching, nil
}
