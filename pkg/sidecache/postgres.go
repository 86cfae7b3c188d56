package sidecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/diwise/entity-mapper/pkg/schema"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a schema.Store kept in a single key/value table. Keys are
// scoped by the record server the cache describes:
//
//	<server>:entities                 list of entity types
//	<server>:<type>:details           entity type descriptor
//	<server>:<type>:fields            list of field names
//	<server>:<type>:<field>:details   field descriptor
type Postgres struct {
	pool    *pgxpool.Pool
	server  string
	builder squirrel.StatementBuilderType
}

const cacheTable string = "schema_cache"

func NewPostgres(ctx context.Context, dsn, server string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to schema cache database: %w", err)
	}

	p := newPostgres(pool, server)

	if err = p.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logging.GetFromContext(ctx).Info("connected to schema cache database", "server", server)

	return p, nil
}

func newPostgres(pool *pgxpool.Pool, server string) *Postgres {
	return &Postgres{
		pool:    pool,
		server:  server,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (p *Postgres) initialize(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_cache (
			key   TEXT PRIMARY KEY,
			value JSONB NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("failed to create schema cache table: %w", err)
	}

	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) key(parts ...string) string {
	return p.server + ":" + strings.Join(parts, ":")
}

func (p *Postgres) Types(ctx context.Context) ([]string, error) {
	return p.list(ctx, p.key("entities"))
}

func (p *Postgres) AddType(ctx context.Context, entityType string) error {
	return p.addToList(ctx, p.key("entities"), entityType)
}

func (p *Postgres) TypeDetails(ctx context.Context, entityType string) (schema.EntityTypeDescriptor, bool, error) {
	d := schema.EntityTypeDescriptor{}
	ok, err := p.get(ctx, p.key(entityType, "details"), &d)
	return d, ok, err
}

func (p *Postgres) SetTypeDetails(ctx context.Context, details schema.EntityTypeDescriptor) error {
	return p.set(ctx, p.key(details.Type, "details"), details)
}

func (p *Postgres) Fields(ctx context.Context, entityType string) ([]string, error) {
	return p.list(ctx, p.key(entityType, "fields"))
}

func (p *Postgres) AddField(ctx context.Context, entityType, field string) error {
	return p.addToList(ctx, p.key(entityType, "fields"), field)
}

func (p *Postgres) FieldDetails(ctx context.Context, entityType, field string) (schema.FieldDescriptor, bool, error) {
	fd := schema.FieldDescriptor{}
	ok, err := p.get(ctx, p.key(entityType, field, "details"), &fd)
	return fd, ok, err
}

func (p *Postgres) SetFieldDetails(ctx context.Context, entityType string, details schema.FieldDescriptor) error {
	return p.set(ctx, p.key(entityType, details.Name, "details"), details)
}

// DeleteAll removes every key belonging to the server.
func (p *Postgres) DeleteAll(ctx context.Context) error {
	sql, args, err := p.deleteAllQuery().ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to clear schema cache: %w", err)
	}

	logging.GetFromContext(ctx).Info("cleared schema cache", "server", p.server, "keys", tag.RowsAffected())

	return nil
}

func (p *Postgres) get(ctx context.Context, key string, value any) (bool, error) {
	sql, args, err := p.getQuery(key).ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var raw []byte

	err = p.pool.QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err = json.Unmarshal(raw, value); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return true, nil
}

func (p *Postgres) set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	sql, args, err := p.setQuery(key, b).ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err = p.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

func (p *Postgres) list(ctx context.Context, key string) ([]string, error) {
	items := []string{}

	if _, err := p.get(ctx, key, &items); err != nil {
		return nil, err
	}

	slices.Sort(items)
	return items, nil
}

// addToList appends item to the json array stored at key unless it is
// already present.
func (p *Postgres) addToList(ctx context.Context, key, item string) error {
	b, err := json.Marshal([]string{item})
	if err != nil {
		return err
	}

	sql, args, err := p.addToListQuery(key, b).ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err = p.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", item, key, err)
	}

	return nil
}

func (p *Postgres) getQuery(key string) squirrel.SelectBuilder {
	return p.builder.Select("value").From(cacheTable).Where(squirrel.Eq{"key": key})
}

func (p *Postgres) setQuery(key string, value []byte) squirrel.InsertBuilder {
	return p.builder.Insert(cacheTable).
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value")
}

func (p *Postgres) addToListQuery(key string, value []byte) squirrel.InsertBuilder {
	return p.builder.Insert(cacheTable).
		Columns("key", "value").
		Values(key, value).
		Suffix(`ON CONFLICT (key) DO UPDATE SET value =
			CASE WHEN schema_cache.value @> EXCLUDED.value THEN schema_cache.value
			ELSE schema_cache.value || EXCLUDED.value END`)
}

func (p *Postgres) deleteAllQuery() squirrel.DeleteBuilder {
	return p.builder.Delete(cacheTable).Where(squirrel.Expr("starts_with(key, ?)", p.server+":"))
}
