package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/diwise/entity-mapper/internal/pkg/infrastructure/memstore"
	"github.com/diwise/entity-mapper/pkg/classes"
	"github.com/diwise/entity-mapper/pkg/session"
	"github.com/matryer/is"
)

const seed string = `
types:
  Shot:
    name: Shot
    fields:
      code: {name: Shot Code, editable: true, dataType: text}
  Version:
    name: Version
    fields:
      code: {name: Version Name, editable: true, dataType: text}
      custom_discriminator: {name: Discriminator, editable: true, dataType: text}
records:
  Shot:
    - {id: 10, code: sh010}
  Version:
    - {id: 30, code: v001, custom_discriminator: ClientVersion}
`

func TestListTypesAndFields(t *testing.T) {
	is, ctx, s := testSetup(t, nil)

	out := &bytes.Buffer{}
	flags := FlagMap{listTypes: "true", listFields: "Shot"}

	err := run(ctx, out, s, flags)
	is.NoErr(err)

	is.True(strings.Contains(out.String(), "Shot\tShot\t"))
	is.True(strings.Contains(out.String(), "Version\tVersion\t"))
	is.True(strings.Contains(out.String(), "code\ttext\tShot Code"))
}

func TestGetRecordByPrimaryKey(t *testing.T) {
	is, ctx, s := testSetup(t, nil)

	out := &bytes.Buffer{}
	err := run(ctx, out, s, FlagMap{getName: "Shot", getKey: "sh010"})
	is.NoErr(err)

	is.True(strings.HasPrefix(out.String(), "Shot(10)\n"))
	is.True(strings.Contains(out.String(), "  code: sh010\n"))
}

func TestGetRecordByID(t *testing.T) {
	is, ctx, s := testSetup(t, nil)

	out := &bytes.Buffer{}
	err := run(ctx, out, s, FlagMap{getName: "Shots", getKey: "10"})
	is.NoErr(err)

	is.True(strings.HasPrefix(out.String(), "Shot(10)\n"))
}

func TestGetMissingRecord(t *testing.T) {
	is, ctx, s := testSetup(t, nil)

	out := &bytes.Buffer{}
	err := run(ctx, out, s, FlagMap{getName: "Shot", getKey: "sh999"})
	is.NoErr(err)

	is.Equal(out.String(), "no Shot matching \"sh999\"\n")
}

func TestClassTreeFromScannedRoot(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, "version", "base.yaml", "name: Version\ntype: Version\n")
	writeDescriptor(t, root, "version", "clientversion.yaml", "name: ClientVersion\ntype: Version\nbase: Version\n")

	is, ctx, s := testSetup(t, classRoots(FlagMap{classPath: root + string(os.PathListSeparator)}))

	out := &bytes.Buffer{}
	err := run(ctx, out, s, FlagMap{classTree: "true", getName: "ClientVersion", getKey: "v001"})
	is.NoErr(err)

	is.True(strings.HasPrefix(out.String(), "Entity\n  Version\n    ClientVersion\n"))
	is.True(strings.Contains(out.String(), "ClientVersion(30)\n"))
}

func TestConfigurationOverridesEnvironment(t *testing.T) {
	is := is.New(t)

	cfg, err := session.LoadConfiguration(strings.NewReader(`
server: https://records.example.com
script:
  name: pipeline
  key: s3cr3t
plugins:
  roots: [/opt/classes, /home/classes]
`))
	is.NoErr(err)

	flags := FlagMap{recordsServer: "http://localhost:8080", scriptName: "other"}
	applyConfiguration(flags, cfg)

	is.Equal(flags[recordsServer], "https://records.example.com")
	is.Equal(flags[scriptName], "pipeline")
	is.Equal(flags[scriptKey], "s3cr3t")
	is.Equal(classRoots(flags), []string{"/opt/classes", "/home/classes"})
}

func TestNoSideCacheWithoutDSN(t *testing.T) {
	is := is.New(t)

	options, closeStore, err := schemaCacheOptions(context.Background(), FlagMap{recordsServer: "http://localhost"}, session.DefaultOptions())
	is.NoErr(err)
	defer closeStore()

	is.Equal(len(options), 1) // pluralizer only
}

func writeDescriptor(t *testing.T, root, dir, name, content string) {
	t.Helper()

	is := is.New(t)
	is.NoErr(os.MkdirAll(filepath.Join(root, dir), 0o755))
	is.NoErr(os.WriteFile(filepath.Join(root, dir, name), []byte(content), 0o644))
}

func testSetup(t *testing.T, roots []string) (*is.I, context.Context, *session.Session) {
	is := is.New(t)
	ctx := context.Background()

	store, err := memstore.LoadSeed(strings.NewReader(seed))
	is.NoErr(err)

	registry := classes.NewRegistry(roots...)
	is.NoErr(registry.Scan(ctx))

	s := session.Open(store, session.WithClasses(registry))
	t.Cleanup(s.Close)

	return is, ctx, s
}
