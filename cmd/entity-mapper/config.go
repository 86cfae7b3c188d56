package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/diwise/entity-mapper/pkg/session"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	configPath FlagType = iota
	refreshSchema
	listTypes
	listFields
	classTree
	getName
	getKey

	serveSeed
	servicePort
	policiesPath

	recordsServer
	scriptName
	scriptKey
	classPath
	schemaCacheDSN
	debugClient
)

func DefaultFlags() FlagMap {
	return FlagMap{
		servicePort: "8080",
	}
}

func parseExternalConfig(ctx context.Context, flags FlagMap) FlagMap {
	flags[recordsServer] = env.GetVariableOrDefault(ctx, "RECORDS_SERVER", flags[recordsServer])
	flags[scriptName] = env.GetVariableOrDefault(ctx, "RECORDS_SCRIPT_NAME", flags[scriptName])
	flags[scriptKey] = env.GetVariableOrDefault(ctx, "RECORDS_SCRIPT_KEY", flags[scriptKey])
	flags[classPath] = env.GetVariableOrDefault(ctx, "ENTITY_CLASS_PATH", flags[classPath])
	flags[schemaCacheDSN] = env.GetVariableOrDefault(ctx, "SCHEMA_CACHE_DSN", flags[schemaCacheDSN])
	flags[debugClient] = env.GetVariableOrDefault(ctx, "RECORDS_DEBUG", "false")
	flags[servicePort] = env.GetVariableOrDefault(ctx, "SERVICE_PORT", flags[servicePort])

	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	enable := func(f FlagType) func(string) error {
		return func(string) error {
			flags[f] = "true"
			return nil
		}
	}

	flag.Func("config", "path to a yaml configuration file", apply(configPath))
	flag.BoolFunc("refresh-schema", "reload the schema and rewrite the side-cache", enable(refreshSchema))
	flag.BoolFunc("types", "list the entity types known to the record service", enable(listTypes))
	flag.Func("fields", "list the fields of an entity type", apply(listFields))
	flag.BoolFunc("class-tree", "print the hierarchy of known record classes", enable(classTree))
	flag.Func("get", "entity type or record class to look a record up in", apply(getName))
	flag.Func("key", "id or primary key of the record to look up", apply(getKey))
	flag.Func("serve", "serve the records in a seed file over http", apply(serveSeed))
	flag.Func("port", "port to serve on", apply(servicePort))
	flag.Func("policies", "path to a rego policy file guarding the served api", apply(policiesPath))

	flag.Parse()

	return flags
}

// applyConfiguration lets values from a configuration file override the
// environment.
func applyConfiguration(flags FlagMap, cfg *session.Config) {
	if cfg.Server != "" {
		flags[recordsServer] = cfg.Server
	}
	if cfg.Script.Name != "" {
		flags[scriptName] = cfg.Script.Name
		flags[scriptKey] = cfg.Script.Key
	}
	if len(cfg.Plugins.Roots) > 0 {
		flags[classPath] = strings.Join(cfg.Plugins.Roots, string(os.PathListSeparator))
	}
	if cfg.SchemaCache.DSN != "" {
		flags[schemaCacheDSN] = cfg.SchemaCache.DSN
	}
}

func classRoots(flags FlagMap) []string {
	roots := []string{}
	for _, root := range strings.Split(flags[classPath], string(os.PathListSeparator)) {
		if root != "" {
			roots = append(roots, root)
		}
	}
	return roots
}
