package storagecoord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/repo/internal/crdt/memcrdt"
	"github.com/syncmesh/repo/internal/docid"
	"github.com/syncmesh/repo/internal/storage/memstore"
	"github.com/syncmesh/repo/internal/types"
)

func TestSaveDocThenLoadDocRoundTrip(t *testing.T) {
	ctx := context.Background()
	coord := New(memstore.New(), memcrdt.Algorithm{})
	id := docid.New()

	doc := memcrdt.NewDocument()
	doc.Set("alice", map[string]interface{}{"foo": "bar"})
	require.NoError(t, coord.SaveDoc(ctx, id, doc))

	loaded, err := coord.LoadDoc(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	ld := loaded.(*memcrdt.Document)
	v, ok := ld.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)
}

func TestLoadDocMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	coord := New(memstore.New(), memcrdt.Algorithm{})
	loaded, err := coord.LoadDoc(ctx, docid.New())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveDocAccumulatesIncrementalsThenFoldsIntoSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	coord := New(store, memcrdt.Algorithm{})
	coord.interval = 3
	id := docid.New()

	doc := memcrdt.NewDocument()
	for i := 0; i < 5; i++ {
		doc.Set("alice", map[string]interface{}{"i": i})
		require.NoError(t, coord.SaveDoc(ctx, id, doc))
	}

	loaded, err := coord.LoadDoc(ctx, id)
	require.NoError(t, err)
	ld := loaded.(*memcrdt.Document)
	v, _ := ld.Get("i")
	assert.EqualValues(t, 4, v)

	entries, err := store.LoadRange(ctx, docPrefix(id))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// Saves 1 and 4 write snapshots; the incrementals from saves 2 and 3
	// are folded away by the second snapshot, leaving only save 5's.
	var snapshots, incrementals int
	for _, e := range entries {
		switch e.Key[1] {
		case "snapshot":
			snapshots++
		case "incremental":
			incrementals++
		}
	}
	assert.Equal(t, 2, snapshots)
	assert.Equal(t, 1, incrementals)
}

func TestSyncStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	coord := New(memstore.New(), memcrdt.Algorithm{})
	id := docid.New()
	peer := types.PeerID("bob")

	state := []byte(`{"theirVector":{}}`)
	require.NoError(t, coord.SaveSyncState(ctx, id, peer, state))

	loaded, err := coord.LoadSyncState(ctx, id, peer)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestLoadSyncStateMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	coord := New(memstore.New(), memcrdt.Algorithm{})
	loaded, err := coord.LoadSyncState(ctx, docid.New(), "bob")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRemoveDocDropsAllKeys(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	coord := New(store, memcrdt.Algorithm{})
	id := docid.New()

	doc := memcrdt.NewDocument()
	doc.Set("alice", map[string]interface{}{"foo": "bar"})
	require.NoError(t, coord.SaveDoc(ctx, id, doc))
	require.NoError(t, coord.SaveSyncState(ctx, id, "bob", []byte("x")))

	require.NoError(t, coord.RemoveDoc(ctx, id))

	loaded, err := coord.LoadDoc(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	state, err := coord.LoadSyncState(ctx, id, "bob")
	require.NoError(t, err)
	assert.Nil(t, state)
}
