package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/diwise/entity-mapper/internal/pkg/infrastructure/memstore"
	"github.com/diwise/entity-mapper/internal/pkg/infrastructure/router"
	api "github.com/diwise/entity-mapper/internal/pkg/presentation/api/records"
	"github.com/diwise/entity-mapper/internal/pkg/presentation/api/records/auth"
	"github.com/diwise/entity-mapper/pkg/classes"
	"github.com/diwise/entity-mapper/pkg/records/client"
	"github.com/diwise/entity-mapper/pkg/schema"
	"github.com/diwise/entity-mapper/pkg/session"
	"github.com/diwise/entity-mapper/pkg/sidecache"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const (
	appName string = "entity-mapper"
)

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	flags := parseExternalConfig(ctx, DefaultFlags())

	if flags[serveSeed] != "" {
		if err := serve(ctx, log, flags); err != nil {
			log.Error("failed to serve records", "err", err.Error())
			os.Exit(1)
		}
		return
	}

	opts := session.DefaultOptions()

	if flags[configPath] != "" {
		cfg, err := loadConfiguration(flags[configPath])
		if err != nil {
			log.Error("failed to load configuration", "err", err.Error())
			os.Exit(1)
		}
		applyConfiguration(flags, cfg)
		opts = cfg.Options()
	}

	if flags[recordsServer] == "" {
		log.Error("no record service configured, set RECORDS_SERVER or provide a configuration file")
		os.Exit(1)
	}

	s, closeStore, err := openSession(ctx, log, flags, opts)
	if err != nil {
		log.Error("failed to open session", "err", err.Error())
		os.Exit(1)
	}
	defer closeStore()
	defer s.Close()

	if err := run(ctx, os.Stdout, s, flags); err != nil {
		log.Error("command failed", "err", err.Error())
		os.Exit(1)
	}
}

func loadConfiguration(path string) (*session.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return session.LoadConfiguration(f)
}

func openSession(ctx context.Context, log *slog.Logger, flags FlagMap, opts session.Options) (*session.Session, func(), error) {
	svc := client.NewRecordsClient(
		flags[recordsServer],
		client.Credentials(flags[scriptName], flags[scriptKey]),
		client.Debug(flags[debugClient]),
	)

	cacheOptions, closeStore, err := schemaCacheOptions(ctx, flags, opts)
	if err != nil {
		return nil, nil, err
	}

	registry := classes.NewRegistry(classRoots(flags)...)
	if err := registry.Scan(ctx); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to scan class roots: %w", err)
	}

	cache := schema.NewCache(svc, cacheOptions...)

	s := session.Open(svc,
		session.WithOptions(opts),
		session.WithSchemaCache(cache),
		session.WithClasses(registry),
	)

	log.Info("session opened", "server", flags[recordsServer], "session", s.ID().String())

	return s, closeStore, nil
}

// schemaCacheOptions adds a persistent side cache only when a database is
// configured for it.
func schemaCacheOptions(ctx context.Context, flags FlagMap, opts session.Options) ([]schema.CacheOption, func(), error) {
	cacheOptions := []schema.CacheOption{schema.WithPluralizer(schema.NewPluralizer(opts.Plurals))}

	if flags[schemaCacheDSN] == "" {
		return cacheOptions, func() {}, nil
	}

	pg, err := sidecache.NewPostgres(ctx, flags[schemaCacheDSN], flags[recordsServer])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to schema cache: %w", err)
	}

	return append(cacheOptions, schema.WithStore(pg)), pg.Close, nil
}

func run(ctx context.Context, w io.Writer, s *session.Session, flags FlagMap) error {
	if flags[refreshSchema] == "true" {
		if err := s.Schema().Refresh(ctx); err != nil {
			return err
		}
	}

	if flags[listTypes] == "true" {
		if err := printTypes(ctx, w, s); err != nil {
			return err
		}
	}

	if flags[listFields] != "" {
		if err := printFields(ctx, w, s, flags[listFields]); err != nil {
			return err
		}
	}

	if flags[classTree] == "true" {
		s.Classes().Tree("").Print(w)
	}

	if flags[getName] != "" {
		return printRecord(ctx, w, s, flags[getName], flags[getKey])
	}

	return nil
}

func printTypes(ctx context.Context, w io.Writer, s *session.Session) error {
	types, err := s.Schema().Types(ctx)
	if err != nil {
		return err
	}

	for _, t := range types {
		d, err := s.Schema().TypeDescriptor(ctx, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Type, d.DisplayName, d.DisplayPlural)
	}

	return nil
}

func printFields(ctx context.Context, w io.Writer, s *session.Session, entityType string) error {
	fields, err := s.Schema().Fields(ctx, entityType)
	if err != nil {
		return err
	}

	for _, f := range fields {
		d, err := s.Schema().FieldDescriptor(ctx, entityType, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.DataType, d.DisplayName)
	}

	return nil
}

func printRecord(ctx context.Context, w io.Writer, s *session.Session, name, key string) error {
	op, err := s.Operation(ctx, name)
	if err != nil {
		return err
	}

	q := session.Query{}
	if key != "" {
		q.Key = key
		if id, err := strconv.ParseInt(key, 10, 64); err == nil {
			q.Key = id
		}
	}

	e, err := op.One(ctx, q)
	if err != nil {
		return err
	}

	if e == nil {
		fmt.Fprintf(w, "no %s matching %q\n", name, key)
		return nil
	}

	fmt.Fprintln(w, e.String())
	for _, f := range e.Fields() {
		v, err := e.Get(ctx, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s: %v\n", f, v)
	}

	return nil
}

func serve(ctx context.Context, log *slog.Logger, flags FlagMap) error {
	f, err := os.Open(flags[serveSeed])
	if err != nil {
		return err
	}
	defer f.Close()

	store, err := memstore.LoadSeed(f)
	if err != nil {
		return err
	}

	authenticator := auth.AllowAll()

	if flags[policiesPath] != "" {
		policies, err := os.Open(flags[policiesPath])
		if err != nil {
			return err
		}
		defer policies.Close()

		authenticator, err = auth.NewAuthenticator(ctx, policies)
		if err != nil {
			return err
		}
	}

	r := router.New(appName)
	api.RegisterHandlers(ctx, r, authenticator, store)

	log.Info("starting to listen for connections", "port", flags[servicePort])

	return http.ListenAndServe(":"+flags[servicePort], r)
}
