package session

import (
	"context"
	"sync"

	"github.com/diwise/entity-mapper/pkg/classes"
	"github.com/diwise/entity-mapper/pkg/records"
	"github.com/diwise/entity-mapper/pkg/schema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("entity-mapper/session")

// Session is the entry point for working with records. It owns the schema
// cache, the class registry, the identity map and the query memo, and all
// lookups and mutations go through it.
type Session struct {
	id      uuid.UUID
	svc     records.Service
	schema  *schema.Cache
	classes *classes.Registry
	opts    Options

	identities *identityMap
	searches   *memo

	opsMu sync.Mutex
	ops   map[string]*Operation
}

type Option func(*Session)

func WithOptions(opts Options) Option {
	return func(s *Session) {
		s.opts = opts
	}
}

// WithSchemaCache shares a schema cache between sessions talking to the same
// record service.
func WithSchemaCache(cache *schema.Cache) Option {
	return func(s *Session) {
		s.schema = cache
	}
}

func WithClasses(registry *classes.Registry) Option {
	return func(s *Session) {
		s.classes = registry
	}
}

type sessionAware interface {
	SetSessionUUID(id uuid.UUID)
}

// Open starts a new session against svc. If the service can carry a session
// identifier, the session's id is handed to it.
func Open(svc records.Service, options ...Option) *Session {
	s := &Session{
		id:         uuid.New(),
		svc:        svc,
		opts:       DefaultOptions(),
		identities: newIdentityMap(),
		searches:   &memo{},
		ops:        map[string]*Operation{},
	}

	for _, option := range options {
		option(s)
	}

	if s.schema == nil {
		s.schema = schema.NewCache(svc, schema.WithPluralizer(schema.NewPluralizer(s.opts.Plurals)))
	}

	if s.classes == nil {
		s.classes = classes.NewRegistry()
	}

	if sa, ok := svc.(sessionAware); ok {
		sa.SetSessionUUID(s.id)
	}

	return s
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Schema() *schema.Cache {
	return s.schema
}

func (s *Session) Classes() *classes.Registry {
	return s.classes
}

func (s *Session) Options() Options {
	return s.opts
}

// ClearCache drops every registered entity and every memoized search.
func (s *Session) ClearCache() {
	s.identities.clear()
	s.searches.clear()
}

func (s *Session) Close() {
	s.ClearCache()
}

// Register adds a persisted entity to the identity map and returns the
// canonical instance for its type and id.
func (s *Session) Register(e *Entity) (*Entity, error) {
	if !e.Persisted() {
		return nil, errEntityNotStored(e.Type())
	}
	return s.identities.register(e, e.snapshot()), nil
}

// Evict removes an entity from the identity map.
func (s *Session) Evict(e *Entity) {
	s.identities.remove(e.Ref())
}

// Registered returns the canonical entity for ref, if one is registered.
func (s *Session) Registered(ref records.Ref) (*Entity, bool) {
	return s.identities.get(ref)
}

func (s *Session) Commit(ctx context.Context, e *Entity) (bool, error) {
	return e.Commit(ctx)
}

func (s *Session) Delete(ctx context.Context, e *Entity) error {
	return e.Delete(ctx)
}

// CommitAll commits every registered entity that has modified fields.
func (s *Session) CommitAll(ctx context.Context) error {
	for _, e := range s.identities.all() {
		if len(e.ModifiedFields()) == 0 {
			continue
		}

		if _, err := e.Commit(ctx); err != nil {
			return err
		}
	}

	return nil
}
