package memstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/diwise/entity-mapper/pkg/records"
	recerrors "github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/matryer/is"
)

const testSeed string = `
types:
  Asset:
    name: Asset
    fields:
      code: {name: Asset Name, editable: true, dataType: text}
      sg_asset_type: {name: Type, editable: true, dataType: list}
  Shot:
    name: Shot
    fields:
      code: {name: Shot Code, editable: true, dataType: text}
      sg_cut_in: {name: Cut In, editable: true, dataType: number}
      assets: {name: Assets, editable: true, dataType: multi_entity, validTypes: [Asset]}
records:
  Asset:
    - {id: 1, code: bunny, sg_asset_type: Character}
    - {id: 2, code: tree, sg_asset_type: Prop}
  Shot:
    - {id: 10, code: sh010, sg_cut_in: 1001, assets: [{type: Asset, id: 1}]}
    - {id: 11, code: sh020, sg_cut_in: 1010, assets: [{type: Asset, id: 1}, {type: Asset, id: 2}]}
    - {id: 12, code: sh030, sg_cut_in: 990}
`

func TestSeedLoadsSchemaAndRecords(t *testing.T) {
	is, s := testSetup(t)

	types, err := s.SchemaListTypes(context.Background())
	is.NoErr(err)
	is.Equal(len(types), 2)

	fields, err := s.SchemaListFields(context.Background(), "Shot")
	is.NoErr(err)
	is.Equal(fields["assets"].ValidTypes, []string{"Asset"})
	is.Equal(fields["id"].DataType, "number")

	rec, err := s.FindOne(context.Background(), "Shot", records.And(records.Cond("id", "is", 11)), []string{"assets"}, nil)
	is.NoErr(err)
	is.Equal(rec["assets"], []any{records.Ref{Type: "Asset", ID: 1}, records.Ref{Type: "Asset", ID: 2}})
	is.Equal(rec["type"], "Shot")
}

func TestFindFollowsReferences(t *testing.T) {
	is, s := testSetup(t)

	recs, err := s.Find(context.Background(), "Shot", records.And(records.Cond("assets.Asset.code", "is", "tree")), []string{"code"}, nil, 0)
	is.NoErr(err)
	is.Equal(len(recs), 1)
	is.Equal(recs[0]["code"], "sh020")
}

func TestFindWithRelations(t *testing.T) {
	is, s := testSetup(t)
	ctx := context.Background()

	recs, err := s.Find(ctx, "Shot", records.And(records.Cond("sg_cut_in", "greater_than", 1000)), nil, nil, 0)
	is.NoErr(err)
	is.Equal(len(recs), 2)

	recs, err = s.Find(ctx, "Shot", records.And(records.Cond("code", "in", "sh010", "sh030")), nil, nil, 0)
	is.NoErr(err)
	is.Equal(len(recs), 2)

	recs, err = s.Find(ctx, "Shot", records.Or(records.Cond("code", "contains", "02"), records.Cond("sg_cut_in", "less_than", 1000)), nil, nil, 0)
	is.NoErr(err)
	is.Equal(len(recs), 2)

	recs, err = s.Find(ctx, "Shot", records.Or(), nil, nil, 0)
	is.NoErr(err)
	is.Equal(len(recs), 0)

	_, err = s.Find(ctx, "Shot", records.And(records.Cond("code", "resembles", "x")), nil, nil, 0)
	is.True(errors.Is(err, recerrors.ErrBadRequest))
}

func TestFindOrdersAndLimits(t *testing.T) {
	is, s := testSetup(t)

	recs, err := s.Find(context.Background(), "Shot", records.And(), []string{"code"}, []records.Order{records.Desc("sg_cut_in")}, 2)
	is.NoErr(err)
	is.Equal(len(recs), 2)
	is.Equal(recs[0]["code"], "sh020")
	is.Equal(recs[1]["code"], "sh010")
}

func TestCreateUpdateDelete(t *testing.T) {
	is, s := testSetup(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Asset", records.Record{"code": "rock"})
	is.NoErr(err)
	is.Equal(id, int64(13))

	is.NoErr(s.Update(ctx, "Asset", id, records.Record{"sg_asset_type": "Prop"}))

	rec, err := s.FindOne(ctx, "Asset", records.And(records.Cond("id", "is", id)), []string{"code", "sg_asset_type"}, nil)
	is.NoErr(err)
	is.Equal(rec["code"], "rock")
	is.Equal(rec["sg_asset_type"], "Prop")

	is.NoErr(s.Delete(ctx, "Asset", id))

	err = s.Update(ctx, "Asset", id, records.Record{"code": "gone"})
	is.True(errors.Is(err, recerrors.ErrNotFound))

	is.Equal(s.Calls(OpCreate), 1)
	is.Equal(s.Calls(OpUpdate), 2)
	is.Equal(s.Calls(OpFindOne), 1)
}

func TestCreateRejectsUnknownFieldsAndTypes(t *testing.T) {
	is, s := testSetup(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "Asset", records.Record{"colour": "red"})
	is.True(errors.Is(err, recerrors.ErrUnknownField))

	_, err = s.Create(ctx, "Camera", records.Record{})
	is.True(errors.Is(err, recerrors.ErrUnknownEntityType))
}

func TestInsertIsNotCounted(t *testing.T) {
	is, s := testSetup(t)

	_, err := s.Insert("Asset", records.Record{"code": "rock"})
	is.NoErr(err)
	is.Equal(s.Calls(OpCreate), 0)

	s.FindOne(context.Background(), "Asset", records.And(), nil, nil)
	is.Equal(s.Calls(OpFindOne), 1)

	s.ResetCalls()
	is.Equal(s.Calls(OpFindOne), 0)
}

func TestAttachmentsAreStoredWhole(t *testing.T) {
	is, s := testSetup(t)
	ctx := context.Background()

	s.AddType("Version", records.TypeInfo{}, map[string]records.FieldInfo{
		"sg_uploaded_movie": {Name: "Uploaded Movie", Editable: true, DataType: "url"},
	})

	movie := map[string]any{"type": "Attachment", "id": 99, "local_path": "/r/v.mov", "name": "v.mov"}
	id, err := s.Create(ctx, "Version", records.Record{"sg_uploaded_movie": movie})
	is.NoErr(err)

	rec, err := s.FindOne(ctx, "Version", records.And(records.Cond("id", "is", id)), []string{"sg_uploaded_movie"}, nil)
	is.NoErr(err)
	is.Equal(rec["sg_uploaded_movie"], map[string]any{"type": "Attachment", "id": int64(99), "local_path": "/r/v.mov", "name": "v.mov"})
}

func testSetup(t *testing.T) (*is.I, *Store) {
	is := is.New(t)

	s, err := LoadSeed(strings.NewReader(testSeed))
	is.NoErr(err)

	return is, s
}
