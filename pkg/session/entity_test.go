package session

import (
	"errors"
	"testing"

	"github.com/diwise/entity-mapper/internal/pkg/infrastructure/memstore"
	"github.com/diwise/entity-mapper/pkg/records"
	recerrors "github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/matryer/is"
)

func TestSettingAFieldBackClearsTheModification(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	shot, err := s.FindOne(ctx, "Shot", Query{Key: "sh010"})
	is.NoErr(err)

	is.NoErr(shot.Set(ctx, "code", "sh010b"))
	is.Equal(shot.ModifiedFields(), []string{"code"})

	is.NoErr(shot.Set(ctx, "code", "sh010c"))
	is.Equal(shot.ModifiedFields(), []string{"code"})

	is.NoErr(shot.Set(ctx, "code", "sh010"))
	is.Equal(len(shot.ModifiedFields()), 0)
}

func TestSettingTheSameValueIsNotAModification(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	shot, _ := s.FindOne(ctx, "Shot", Query{Key: "sh010"})

	is.NoErr(shot.Set(ctx, "sg_sequence", records.Ref{Type: "Sequence", ID: 1}))
	is.Equal(len(shot.ModifiedFields()), 0)
}

func TestRevertRestoresPriorValues(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	shot, _ := s.FindOne(ctx, "Shot", Query{Key: "sh010"})

	is.NoErr(shot.Set(ctx, "code", "renamed"))
	is.NoErr(shot.Set(ctx, "description", "a shot"))

	shot.Revert("code")
	is.Equal(shot.ModifiedFields(), []string{"description"})

	code, err := shot.Get(ctx, "code")
	is.NoErr(err)
	is.Equal(code, "sh010")

	shot.Revert()
	is.Equal(len(shot.ModifiedFields()), 0)
}

func TestCommitNewEntity(t *testing.T) {
	is, ctx, s, store := testSetup(t)

	asset, err := s.New(ctx, "Asset")
	is.NoErr(err)
	is.True(!asset.Persisted())

	is.NoErr(asset.Set(ctx, "code", "lamp"))
	is.Equal(asset.ModifiedFields(), []string{"code"})

	committed, err := asset.Commit(ctx)
	is.NoErr(err)
	is.True(committed)
	is.Equal(store.Calls(memstore.OpCreate), 1)
	is.Equal(len(asset.ModifiedFields()), 0)
	is.True(asset.Persisted())

	registered, ok := s.Registered(asset.Ref())
	is.True(ok)
	is.True(registered == asset)

	committed, err = s.Commit(ctx, asset)
	is.NoErr(err)
	is.True(!committed)
	is.Equal(store.Calls(memstore.OpUpdate), 0)

	found, err := s.FindOne(ctx, "Asset", Query{Key: "lamp"})
	is.NoErr(err)
	is.True(found == asset)
}

func TestCommitUpdatesOnlyModifiedFields(t *testing.T) {
	is, ctx, s, store := testSetup(t)

	shot, _ := s.FindOne(ctx, "Shot", Query{Key: "sh020"})
	is.NoErr(shot.Set(ctx, "description", "wide"))

	committed, err := shot.Commit(ctx)
	is.NoErr(err)
	is.True(committed)
	is.Equal(store.Calls(memstore.OpUpdate), 1)

	rec, err := store.FindOne(ctx, "Shot", records.And(records.Cond("id", "is", 11)), []string{"code", "description"}, nil)
	is.NoErr(err)
	is.Equal(rec["description"], "wide")
	is.Equal(rec["code"], "sh020")
}

func TestNewEntityGetsSchemaDefaults(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	v, err := s.New(ctx, "Version")
	is.NoErr(err)

	reviewed, err := v.Get(ctx, "reviewed")
	is.NoErr(err)
	is.Equal(reviewed, false)

	color, _ := v.Get(ctx, "sg_color")
	is.Equal(color, "1,1,1")

	tags, _ := v.Get(ctx, "tags")
	is.Equal(tags, []any{})

	_, err = v.Get(ctx, "summary")
	is.True(errors.Is(err, recerrors.ErrEntityNotStored))

	is.Equal(v.ModifiedFields(), []string{"custom_discriminator"})
}

func TestNewEntityOfCustomClass(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	v, err := s.New(ctx, "Version_ApprovedClientVersion")
	is.NoErr(err)
	is.Equal(v.Type(), "Version")
	is.Equal(v.ClassName(), "ApprovedClientVersion")

	status, _ := v.Get(ctx, "sg_status_list")
	is.Equal(status, "apr")

	discriminator, _ := v.Get(ctx, "discriminator")
	is.Equal(discriminator, "ApprovedClientVersion")
}

func TestFetchedRecordsUseTheirDiscriminatedClass(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	client, err := s.FindOne(ctx, "Version", Query{Key: "v001"})
	is.NoErr(err)
	is.Equal(client.ClassName(), "ClientVersion")

	plain, err := s.FindOne(ctx, "Version", Query{Key: "v002"})
	is.NoErr(err)
	is.Equal(plain.ClassName(), "Version")

	shot, err := s.FindOne(ctx, "Shot", Query{Key: "sh010"})
	is.NoErr(err)
	is.Equal(shot.ClassName(), "Shot")
	is.True(shot.Class() == nil)
}

func TestUnloadedFieldsAreFetchedOnce(t *testing.T) {
	is, ctx, s, store := testSetup(t)

	shot, err := s.FindOne(ctx, "Shot", Query{Key: "sh010", Fields: []string{"code"}})
	is.NoErr(err)
	is.Equal(shot.Fields(), []string{"code", "id"})

	calls := store.Calls(memstore.OpFindOne)

	seq, err := shot.Get(ctx, "sg_sequence")
	is.NoErr(err)

	sequence, ok := seq.(*Entity)
	is.True(ok)
	is.Equal(sequence.Ref(), records.Ref{Type: "Sequence", ID: 1})

	code, err := sequence.Get(ctx, "code")
	is.NoErr(err)
	is.Equal(code, "sq01")

	afterFirst := store.Calls(memstore.OpFindOne)
	is.True(afterFirst > calls)

	again, err := shot.Get(ctx, "sg_sequence")
	is.NoErr(err)
	is.True(again == sequence)
	is.Equal(store.Calls(memstore.OpFindOne), afterFirst)
}

func TestGetUnknownFieldFails(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	shot, _ := s.FindOne(ctx, "Shot", Query{Key: "sh010"})

	_, err := shot.Get(ctx, "frame_rate")
	is.True(errors.Is(err, recerrors.ErrUnknownField))

	err = shot.Set(ctx, "frame_rate", 24)
	is.True(errors.Is(err, recerrors.ErrUnknownField))
}

func TestGetOnUnsavedEntityFails(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	asset, _ := s.New(ctx, "Asset")

	_, err := asset.Get(ctx, "created_at")
	is.True(errors.Is(err, recerrors.ErrEntityNotStored))

	err = asset.Reload(ctx)
	is.True(errors.Is(err, recerrors.ErrEntityNotStored))

	err = asset.Delete(ctx)
	is.True(errors.Is(err, recerrors.ErrEntityNotStored))

	_, err = s.Register(asset)
	is.True(errors.Is(err, recerrors.ErrEntityNotStored))
}

func TestFieldOfVanishedRecordIsNotFound(t *testing.T) {
	is, ctx, s, store := testSetup(t)

	shot, _ := s.FindOne(ctx, "Shot", Query{Key: "sh020", Fields: []string{"code"}})
	is.NoErr(store.Delete(ctx, "Shot", 11))

	_, err := shot.Get(ctx, "description")
	is.True(errors.Is(err, recerrors.ErrFieldNotFound))
}

func TestStringKeyWithoutPrimaryKeyFails(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	_, err := s.FindOne(ctx, "Note", Query{Key: "hello"})
	is.True(errors.Is(err, recerrors.ErrNoPrimaryKey))

	note, err := s.FindOne(ctx, "Note", Query{Key: 50})
	is.NoErr(err)
	is.Equal(note.ID(), int64(50))
}

func TestLoginIsUsedWhenThereIsNoCode(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	user, err := s.FindOne(ctx, "Person", Query{Key: "jdoe"})
	is.NoErr(err)
	is.Equal(user.Type(), "HumanUser")
}

func TestSetRelationshipByPrimaryKey(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	v, _ := s.FindOne(ctx, "Version", Query{Key: "v002"})

	is.NoErr(v.Set(ctx, "entity", "bunny"))
	is.Equal(v.ModifiedFields(), []string{"entity"})

	target, err := v.Get(ctx, "entity")
	is.NoErr(err)
	is.Equal(target.(*Entity).Ref(), records.Ref{Type: "Asset", ID: 20})

	err = v.Set(ctx, "entity", "nothing-by-this-name")
	is.True(errors.Is(err, recerrors.ErrNoMatchingEntity))

	_, err = v.Commit(ctx)
	is.NoErr(err)

	s.ClearCache()

	reloaded, _ := s.FindOne(ctx, "Version", Query{Key: "v002"})
	link, _ := reloaded.Get(ctx, "entity")
	is.Equal(link.(*Entity).Ref(), records.Ref{Type: "Asset", ID: 20})
}

func TestURLFieldsCompareByLocalPath(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	v, _ := s.FindOne(ctx, "Version", Query{Key: "v002"})

	is.NoErr(v.Set(ctx, "sg_uploaded_movie", "/renders/v002.mov"))
	is.Equal(v.ModifiedFields(), []string{"sg_uploaded_movie"})

	_, err := v.Commit(ctx)
	is.NoErr(err)

	is.NoErr(v.Set(ctx, "sg_uploaded_movie", "/renders/v002.mov"))
	is.Equal(len(v.ModifiedFields()), 0)

	err = v.Set(ctx, "sg_uploaded_movie", map[string]any{
		"local_path":   "/renders/v002.mov",
		"name":         "v002.mov",
		"content_type": "video/quicktime",
	})
	is.NoErr(err)
	is.Equal(len(v.ModifiedFields()), 0) // same local path, different shape
}

func TestAttachmentValuesKeepTheirLocalPath(t *testing.T) {
	is, ctx, s, store := testSetup(t)

	_, err := store.Insert("Version", records.Record{
		"id":   int64(32),
		"code": "v003",
		"sg_uploaded_movie": map[string]any{
			"type": "Attachment", "id": int64(99), "local_path": "/renders/v003.mov", "name": "v003.mov",
		},
	})
	is.NoErr(err)

	v, err := s.FindOne(ctx, "Version", Query{Key: "v003"})
	is.NoErr(err)

	movie, err := v.Get(ctx, "sg_uploaded_movie")
	is.NoErr(err)
	is.Equal(movie.(map[string]any)["local_path"], "/renders/v003.mov")

	is.NoErr(v.Set(ctx, "sg_uploaded_movie", "/renders/v003.mov"))
	is.Equal(len(v.ModifiedFields()), 0)

	is.NoErr(v.Set(ctx, "sg_uploaded_movie", "/renders/v003_retake.mov"))
	is.Equal(v.ModifiedFields(), []string{"sg_uploaded_movie"})
}

func TestEqualValuesComparesLocalPathsFirst(t *testing.T) {
	is := is.New(t)

	attachment := map[string]any{"type": "Attachment", "id": int64(99), "local_path": "/r/v.mov"}

	is.True(equalValues(attachment, map[string]any{"local_path": "/r/v.mov"}))
	is.True(equalValues(map[string]any{"local_path": "/r/v.mov", "name": "v.mov"}, map[string]any{"local_path": "/r/v.mov"}))
	is.True(!equalValues(attachment, map[string]any{"type": "Attachment", "id": int64(99), "local_path": "/r/other.mov"}))
}

func TestReloadDiscardsLocalChanges(t *testing.T) {
	is, ctx, s, _ := testSetup(t)

	asset, _ := s.FindOne(ctx, "Asset", Query{Key: "tree"})
	is.NoErr(asset.Set(ctx, "sg_asset_type", "Environment"))

	is.NoErr(asset.Reload(ctx))
	is.Equal(len(asset.ModifiedFields()), 0)

	kind, _ := asset.Get(ctx, "sg_asset_type")
	is.Equal(kind, "Prop")
}

func TestDeleteRemovesTheRecord(t *testing.T) {
	is, ctx, s, store := testSetup(t)

	asset, _ := s.FindOne(ctx, "Asset", Query{Key: "rock"})
	is.NoErr(s.Delete(ctx, asset))
	is.True(asset.Deleted())
	is.Equal(store.Calls(memstore.OpDelete), 1)

	err := asset.Reload(ctx)
	is.True(errors.Is(err, recerrors.ErrNotFound))
}
