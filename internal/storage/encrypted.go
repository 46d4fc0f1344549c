package storage

import (
	"context"
	"fmt"

	"github.com/syncmesh/repo/internal/pqc"
)

// EncryptedAdapter decorates an Adapter, encrypting every value with a PQC
// EncryptionManager's master key before it reaches the underlying medium
// and decrypting on the way out. It is transparent to storagecoord: keys
// are untouched, only values change shape. Adapted from the teacher's
// FileStorage.encryptDocument/decryptDocument, generalized from
// per-field to whole-value encryption since storagecoord's values are
// already opaque serialized chunks.
type EncryptedAdapter struct {
	inner   Adapter
	manager *pqc.EncryptionManager
	keyID   string
}

// NewEncryptedAdapter wraps inner, encrypting with the manager key named
// by keyID: either a key cached in manager or manager's master key (see
// pqc.EncryptionManager.EncryptData).
func NewEncryptedAdapter(inner Adapter, manager *pqc.EncryptionManager, keyID string) *EncryptedAdapter {
	return &EncryptedAdapter{inner: inner, manager: manager, keyID: keyID}
}

var _ Adapter = (*EncryptedAdapter)(nil)

func (e *EncryptedAdapter) Load(ctx context.Context, key Key) ([]byte, error) {
	data, err := e.inner.Load(ctx, key)
	if err != nil || data == nil {
		return data, err
	}
	plaintext, err := e.manager.DecryptData(string(data))
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt %v: %w", key, err)
	}
	return plaintext, nil
}

func (e *EncryptedAdapter) Save(ctx context.Context, key Key, data []byte) error {
	encrypted, err := e.manager.EncryptData(data, e.keyID)
	if err != nil {
		return fmt.Errorf("storage: encrypt %v: %w", key, err)
	}
	return e.inner.Save(ctx, key, []byte(encrypted))
}

func (e *EncryptedAdapter) Remove(ctx context.Context, key Key) error {
	return e.inner.Remove(ctx, key)
}

func (e *EncryptedAdapter) LoadRange(ctx context.Context, prefix Key) ([]Entry, error) {
	entries, err := e.inner.LoadRange(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, ent := range entries {
		plaintext, err := e.manager.DecryptData(string(ent.Data))
		if err != nil {
			return nil, fmt.Errorf("storage: decrypt %v: %w", ent.Key, err)
		}
		out = append(out, Entry{Key: ent.Key, Data: plaintext})
	}
	return out, nil
}

func (e *EncryptedAdapter) RemoveRange(ctx context.Context, prefix Key) error {
	return e.inner.RemoveRange(ctx, prefix)
}
