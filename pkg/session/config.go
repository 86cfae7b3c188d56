package session

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	"gopkg.in/yaml.v2"
)

const (
	DefaultFieldPrefix   string = "custom_"
	DefaultDiscriminator string = "Discriminator"
)

// DefaultPrimaryKeys are the text fields tried, in order, when a record is
// looked up by a string key.
var DefaultPrimaryKeys = []string{"code", "login"}

type Config struct {
	Server      string            `yaml:"server"`
	Script      ScriptConfig      `yaml:"script"`
	Entities    EntitiesConfig    `yaml:"entities"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	SchemaCache SchemaCacheConfig `yaml:"schemaCache"`
}

type ScriptConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type EntitiesConfig struct {
	PrimaryKeys   []string          `yaml:"primaryKeys"`
	FieldPrefix   string            `yaml:"fieldPrefix"`
	Discriminator string            `yaml:"discriminator"`
	Plurals       map[string]string `yaml:"plurals"`
}

type PluginsConfig struct {
	Roots []string `yaml:"roots"`
}

type SchemaCacheConfig struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

// Options controls how a session maps names onto the schema.
type Options struct {
	PrimaryKeys        []string
	FieldPrefix        string
	DiscriminatorField string
	Plurals            map[string]string
}

func DefaultOptions() Options {
	return Options{
		PrimaryKeys:        DefaultPrimaryKeys,
		FieldPrefix:        DefaultFieldPrefix,
		DiscriminatorField: DiscriminatorField(DefaultFieldPrefix, DefaultDiscriminator),
	}
}

func (c *Config) Options() Options {
	opts := DefaultOptions()

	if len(c.Entities.PrimaryKeys) > 0 {
		opts.PrimaryKeys = c.Entities.PrimaryKeys
	}

	if c.Entities.FieldPrefix != "" {
		opts.FieldPrefix = c.Entities.FieldPrefix
	}

	discriminator := c.Entities.Discriminator
	if discriminator == "" {
		discriminator = DefaultDiscriminator
	}
	opts.DiscriminatorField = DiscriminatorField(opts.FieldPrefix, discriminator)

	if len(c.Entities.Plurals) > 0 {
		opts.Plurals = c.Entities.Plurals
	}

	return opts
}

// DiscriminatorField returns the field name a discriminator called name is
// stored in, e.g. custom_record_class for RecordClass.
func DiscriminatorField(prefix, name string) string {
	return prefix + snakeCase(name)
}

func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)

	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return cfg, nil
}
