package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diwise/entity-mapper/pkg/records"
	recerrors "github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/matryer/is"
)

func TestTypesAreFetchedOnce(t *testing.T) {
	is, ctx, source := testSetup(t)
	cache := NewCache(source)

	types, err := cache.Types(ctx)
	is.NoErr(err)
	is.Equal(types, []string{"CustomEntity01", "HumanUser", "Shot"})

	_, err = cache.Types(ctx)
	is.NoErr(err)
	is.Equal(source.typeCalls.Load(), int32(1)) // second call should be served from memory
}

func TestTypeDescriptorDerivesPluralForms(t *testing.T) {
	is, ctx, source := testSetup(t)
	cache := NewCache(source)

	d, err := cache.TypeDescriptor(ctx, "CustomEntity01")
	is.NoErr(err)
	is.Equal(d.DisplayName, "Department")
	is.Equal(d.TypePlural, "CustomEntity01s")
	is.Equal(d.DisplayPlural, "Departments")

	d, err = cache.TypeDescriptor(ctx, "HumanUser")
	is.NoErr(err)
	is.Equal(d.DisplayName, "Person") // spaces should be removed from display names
	is.Equal(d.DisplayPlural, "People")
}

func TestUnknownTypeAndField(t *testing.T) {
	is, ctx, source := testSetup(t)
	cache := NewCache(source)

	_, err := cache.TypeDescriptor(ctx, "Spaceship")
	is.True(errors.Is(err, recerrors.ErrUnknownEntityType))

	_, err = cache.Fields(ctx, "Spaceship")
	is.True(errors.Is(err, recerrors.ErrUnknownEntityType))

	_, err = cache.FieldDescriptor(ctx, "Shot", "warp_factor")
	is.True(errors.Is(err, recerrors.ErrUnknownField))
}

func TestFieldDescriptor(t *testing.T) {
	is, ctx, source := testSetup(t)
	cache := NewCache(source)

	fd, err := cache.FieldDescriptor(ctx, "Shot", "assets")
	is.NoErr(err)
	is.Equal(fd.DataType, MultiEntity)
	is.True(fd.DataType.IsRelationship())
	is.True(fd.AcceptsType("Asset"))

	ok, err := cache.HasField(ctx, "Shot", "code")
	is.NoErr(err)
	is.True(ok)

	fields, err := cache.Fields(ctx, "Shot")
	is.NoErr(err)
	is.Equal(fields, []string{"assets", "code", "id"})
	is.Equal(source.fieldCalls.Load(), int32(1))
}

func TestConcurrentMissesAreSingleFlight(t *testing.T) {
	is, ctx, source := testSetup(t)
	source.delay = 20 * time.Millisecond
	cache := NewCache(source)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.FieldDescriptor(ctx, "Shot", "code")
			is.NoErr(err)
		}()
	}
	wg.Wait()

	is.Equal(source.typeCalls.Load(), int32(1))  // concurrent misses should share one type fetch
	is.Equal(source.fieldCalls.Load(), int32(1)) // concurrent misses should share one field fetch
}

func TestResolveTypeName(t *testing.T) {
	is, ctx, source := testSetup(t)
	cache := NewCache(source)

	for candidate, expected := range map[string]Match{
		"Shot":            {Type: "Shot"},
		"Shots":           {Type: "Shot", Plural: true},
		"Department":      {Type: "CustomEntity01"},
		"Departments":     {Type: "CustomEntity01", Plural: true},
		"CustomEntity01s": {Type: "CustomEntity01", Plural: true},
		"Person":          {Type: "HumanUser"},
		"People":          {Type: "HumanUser", Plural: true},
	} {
		m, ok, err := cache.ResolveTypeName(ctx, candidate)
		is.NoErr(err)
		is.True(ok)
		is.Equal(m, expected)
	}

	_, ok, err := cache.ResolveTypeName(ctx, "Spaceships")
	is.NoErr(err)
	is.True(!ok)
}

func TestRefreshReplacesContents(t *testing.T) {
	is, ctx, source := testSetup(t)
	cache := NewCache(source)

	_, err := cache.Fields(ctx, "Shot")
	is.NoErr(err)

	source.mu.Lock()
	source.fields["Shot"]["cut_in"] = records.FieldInfo{Name: "Cut In", Editable: true, DataType: "number"}
	source.mu.Unlock()

	ok, _ := cache.HasField(ctx, "Shot", "cut_in")
	is.True(!ok) // populated entries should not be invalidated implicitly

	is.NoErr(cache.Refresh(ctx))

	ok, err = cache.HasField(ctx, "Shot", "cut_in")
	is.NoErr(err)
	is.True(ok)
}

func TestRefreshTypeRejectsUnknownType(t *testing.T) {
	is, ctx, source := testSetup(t)
	cache := NewCache(source)

	err := cache.RefreshType(ctx, "Spaceship")
	is.True(errors.Is(err, recerrors.ErrUnknownEntityType))

	is.NoErr(cache.RefreshType(ctx, "Shot"))
	ok, err := cache.HasField(ctx, "Shot", "code")
	is.NoErr(err)
	is.True(ok)
}

func TestReadThroughStore(t *testing.T) {
	is, ctx, source := testSetup(t)
	store := newMapStore()

	_, err := NewCache(source, WithStore(store)).Fields(ctx, "Shot")
	is.NoErr(err)

	d, ok, err := store.TypeDetails(ctx, "HumanUser")
	is.NoErr(err)
	is.True(ok) // remote results should be persisted into the store
	is.Equal(d.DisplayPlural, "People")

	fresh := NewCache(source, WithStore(store))
	_, err = fresh.FieldDescriptor(ctx, "Shot", "assets")
	is.NoErr(err)

	is.Equal(source.typeCalls.Load(), int32(1))  // second cache should read types from the store
	is.Equal(source.fieldCalls.Load(), int32(1)) // second cache should read fields from the store
}

func TestRefreshClearsStore(t *testing.T) {
	is, ctx, source := testSetup(t)
	store := newMapStore()
	store.SetTypeDetails(ctx, EntityTypeDescriptor{Type: "Stale"})
	store.AddType(ctx, "Stale")

	cache := NewCache(source, WithStore(store))
	is.NoErr(cache.Refresh(ctx))

	_, ok, _ := store.TypeDetails(ctx, "Stale")
	is.True(!ok) // refresh should clear previously stored types

	types, _ := store.Types(ctx)
	is.Equal(len(types), 3)
}

func testSetup(t *testing.T) (*is.I, context.Context, *fakeIntrospector) {
	is := is.New(t)
	ctx := context.Background()

	source := &fakeIntrospector{
		types: map[string]records.TypeInfo{
			"Shot":           {Name: "Shot"},
			"HumanUser":      {Name: "Per son"},
			"CustomEntity01": {Name: "Department"},
		},
		fields: map[string]map[string]records.FieldInfo{
			"Shot": {
				"id":     {Name: "Id", DataType: "number"},
				"code":   {Name: "Shot Code", Editable: true, Mandatory: true, DataType: "text"},
				"assets": {Name: "Assets", Editable: true, DataType: "multi_entity", ValidTypes: []string{"Asset"}},
			},
			"HumanUser":      {"login": {Name: "Login", Editable: true, DataType: "text"}},
			"CustomEntity01": {"code": {Name: "Name", Editable: true, DataType: "text"}},
		},
	}

	return is, ctx, source
}

type fakeIntrospector struct {
	mu     sync.Mutex
	delay  time.Duration
	types  map[string]records.TypeInfo
	fields map[string]map[string]records.FieldInfo

	typeCalls  atomic.Int32
	fieldCalls atomic.Int32
}

func (f *fakeIntrospector) SchemaListTypes(ctx context.Context) (map[string]records.TypeInfo, error) {
	f.typeCalls.Add(1)
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()

	result := map[string]records.TypeInfo{}
	for k, v := range f.types {
		result[k] = v
	}
	return result, nil
}

func (f *fakeIntrospector) SchemaListFields(ctx context.Context, entityType string) (map[string]records.FieldInfo, error) {
	f.fieldCalls.Add(1)
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()

	result := map[string]records.FieldInfo{}
	for k, v := range f.fields[entityType] {
		result[k] = v
	}
	return result, nil
}

type mapStore struct {
	mu           sync.Mutex
	types        []string
	typeDetails  map[string]EntityTypeDescriptor
	fields       map[string][]string
	fieldDetails map[string]FieldDescriptor
}

func newMapStore() *mapStore {
	return &mapStore{
		typeDetails:  map[string]EntityTypeDescriptor{},
		fields:       map[string][]string{},
		fieldDetails: map[string]FieldDescriptor{},
	}
}

func (s *mapStore) Types(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.types...), nil
}

func (s *mapStore) AddType(_ context.Context, entityType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, entityType)
	return nil
}

func (s *mapStore) TypeDetails(_ context.Context, entityType string) (EntityTypeDescriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.typeDetails[entityType]
	return d, ok, nil
}

func (s *mapStore) SetTypeDetails(_ context.Context, d EntityTypeDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typeDetails[d.Type] = d
	return nil
}

func (s *mapStore) Fields(_ context.Context, entityType string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.fields[entityType]...), nil
}

func (s *mapStore) AddField(_ context.Context, entityType, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[entityType] = append(s.fields[entityType], field)
	return nil
}

func (s *mapStore) FieldDetails(_ context.Context, entityType, field string) (FieldDescriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd, ok := s.fieldDetails[entityType+":"+field]
	return fd, ok, nil
}

func (s *mapStore) SetFieldDetails(_ context.Context, entityType string, fd FieldDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fieldDetails[entityType+":"+fd.Name] = fd
	return nil
}

func (s *mapStore) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = nil
	s.typeDetails = map[string]EntityTypeDescriptor{}
	s.fields = map[string][]string{}
	s.fieldDetails = map[string]FieldDescriptor{}
	return nil
}
