package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/repo/internal/storage"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := New(t.TempDir())
	require.NoError(t, err)

	key := storage.Key{"doc1", "snapshot", "0"}
	require.NoError(t, a.Save(ctx, key, []byte("hello")))

	data, err := a.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestLoadMissingKeyReturnsNil(t *testing.T) {
	ctx := context.Background()
	a, err := New(t.TempDir())
	require.NoError(t, err)

	data, err := a.Load(ctx, storage.Key{"missing"})
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestLoadRangeReturnsPrefixedEntries(t *testing.T) {
	ctx := context.Background()
	a, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, a.Save(ctx, storage.Key{"doc1", "snapshot", "0"}, []byte("a")))
	require.NoError(t, a.Save(ctx, storage.Key{"doc1", "incremental", "1"}, []byte("b")))
	require.NoError(t, a.Save(ctx, storage.Key{"doc2", "snapshot", "0"}, []byte("c")))

	entries, err := a.LoadRange(ctx, storage.Key{"doc1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRemoveRange(t *testing.T) {
	ctx := context.Background()
	a, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, a.Save(ctx, storage.Key{"doc1", "snapshot", "0"}, []byte("a")))
	require.NoError(t, a.Save(ctx, storage.Key{"doc2", "snapshot", "0"}, []byte("b")))

	require.NoError(t, a.RemoveRange(ctx, storage.Key{"doc1"}))

	entries, err := a.LoadRange(ctx, storage.Key{"doc1"})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = a.LoadRange(ctx, storage.Key{"doc2"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
