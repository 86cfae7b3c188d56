package sidecache

import (
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestKeysAreScopedByServer(t *testing.T) {
	is := is.New(t)
	p := newPostgres(nil, "https://records.example.com")

	is.Equal(p.key("entities"), "https://records.example.com:entities")
	is.Equal(p.key("Shot", "code", "details"), "https://records.example.com:Shot:code:details")
}

func TestGetQueryUsesDollarPlaceholders(t *testing.T) {
	is := is.New(t)
	p := newPostgres(nil, "srv")

	sql, args, err := p.getQuery("srv:entities").ToSql()
	is.NoErr(err)

	is.Equal(sql, "SELECT value FROM schema_cache WHERE key = $1")
	is.Equal(args, []any{"srv:entities"})
}

func TestSetQueryUpsertsValue(t *testing.T) {
	is := is.New(t)
	p := newPostgres(nil, "srv")

	sql, args, err := p.setQuery("srv:Shot:details", []byte(`{"type":"Shot"}`)).ToSql()
	is.NoErr(err)

	is.True(strings.HasPrefix(sql, "INSERT INTO schema_cache"))
	is.True(strings.Contains(sql, "ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value"))
	is.Equal(len(args), 2)
	is.Equal(args[0], "srv:Shot:details")
}

func TestAddToListQueryKeepsExistingItems(t *testing.T) {
	is := is.New(t)
	p := newPostgres(nil, "srv")

	sql, _, err := p.addToListQuery("srv:entities", []byte(`["Shot"]`)).ToSql()
	is.NoErr(err)

	is.True(strings.Contains(sql, "schema_cache.value @> EXCLUDED.value"))
}

func TestDeleteAllOnlyTouchesOwnServer(t *testing.T) {
	is := is.New(t)
	p := newPostgres(nil, "srv")

	sql, args, err := p.deleteAllQuery().ToSql()
	is.NoErr(err)

	is.Equal(sql, "DELETE FROM schema_cache WHERE starts_with(key, $1)")
	is.Equal(args, []any{"srv:"})
}
