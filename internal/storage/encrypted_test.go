package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/repo/internal/pqc"
)

func newTestManager(t *testing.T) (*pqc.EncryptionManager, string) {
	t.Helper()
	keyPair, err := pqc.GeneratePQCKeyPair("test-key", "encryption")
	require.NoError(t, err)

	manager := pqc.NewEncryptionManager()
	manager.SetMasterKey(keyPair)
	return manager, keyPair.ID
}

func TestEncryptedAdapterRoundTrip(t *testing.T) {
	ctx := context.Background()
	manager, keyID := newTestManager(t)

	inner := newFakeAdapter()
	enc := NewEncryptedAdapter(inner, manager, keyID)

	key := Key{"doc1", "snapshot", "0"}
	require.NoError(t, enc.Save(ctx, key, []byte("plaintext document bytes")))

	stored, err := inner.Load(ctx, key)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("plaintext document bytes"), stored, "ciphertext must not equal plaintext")

	data, err := enc.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext document bytes"), data)
}

// fakeAdapter is a minimal in-memory Adapter for isolating
// EncryptedAdapter's behavior from memstore's.
type fakeAdapter struct {
	data map[string][]byte
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{data: make(map[string][]byte)} }

func (f *fakeAdapter) Load(_ context.Context, key Key) ([]byte, error) {
	return f.data[key.join()], nil
}
func (f *fakeAdapter) Save(_ context.Context, key Key, data []byte) error {
	f.data[key.join()] = data
	return nil
}
func (f *fakeAdapter) Remove(_ context.Context, key Key) error {
	delete(f.data, key.join())
	return nil
}
func (f *fakeAdapter) LoadRange(_ context.Context, prefix Key) ([]Entry, error) { return nil, nil }
func (f *fakeAdapter) RemoveRange(_ context.Context, prefix Key) error          { return nil }

func (k Key) join() string {
	out := ""
	for _, c := range k {
		out += c + "/"
	}
	return out
}
