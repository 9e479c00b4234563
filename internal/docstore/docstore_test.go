package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	coll := store.Collection("rrm.appState.u.x")

	doc := Doc{
		"_id":       "2:3:name",
		"_revision": float64(7),
		"value": map[string]interface{}{
			"ident": "2:3:name",
			"value": map[string]interface{}{"type": "string", "value": "hello"},
		},
	}
	require.NoError(t, coll.Put(ctx, doc))

	got, err := coll.Get(ctx, "2:3:name")
	require.NoError(t, err)
	assert.Equal(t, "2:3:name", got.ID())
	assert.Equal(t, int64(7), got.Revision())

	value, ok := got["value"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2:3:name", value["ident"])
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	coll := store.Collection("tables.x.a")

	_, err := coll.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRequiresID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	coll := store.Collection("metadata")

	err := coll.Put(ctx, Doc{"value": "x"})
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	coll := store.Collection("metadata")

	require.NoError(t, coll.Put(ctx, Doc{"_id": "t1", "value": "x"}))
	require.NoError(t, coll.Delete(ctx, "t1"))

	_, err := coll.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error.
	assert.NoError(t, coll.Delete(ctx, "t1"))
}

func TestAllReturnsKeyOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	coll := store.Collection("c")

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, coll.Put(ctx, Doc{"_id": id}))
	}

	docs, err := coll.All(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "a", docs[0].ID())
	assert.Equal(t, "b", docs[1].ID())
	assert.Equal(t, "c", docs[2].ID())
}

func TestCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first := store.Collection("tables.x.t1")
	second := store.Collection("tables.x.t10")
	require.NoError(t, first.Put(ctx, Doc{"_id": "r1"}))
	require.NoError(t, second.Put(ctx, Doc{"_id": "r2"}))

	docs, err := first.All(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "r1", docs[0].ID())

	require.NoError(t, first.Clear(ctx))

	docs, err = first.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = second.All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDropCollection(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	coll := store.Collection("tables.x.gone")
	require.NoError(t, coll.Put(ctx, Doc{"_id": "r1"}))
	require.NoError(t, store.DropCollection(ctx, "tables.x.gone"))

	docs, err := coll.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "bolt"})
	assert.Error(t, err)
}
