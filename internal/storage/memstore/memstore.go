// Package memstore is an in-memory storage.Adapter, used in tests and as
// the default for repos that opt out of persistence.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/syncmesh/repo/internal/storage"
)

// Adapter is an in-memory storage.Adapter backed by a map keyed on the
// joined key components.
type Adapter struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys map[string]storage.Key
}

// New returns an empty adapter.
func New() *Adapter {
	return &Adapter{data: make(map[string][]byte), keys: make(map[string]storage.Key)}
}

var _ storage.Adapter = (*Adapter)(nil)

func joinKey(key storage.Key) string {
	return strings.Join(key, "\x00")
}

func (a *Adapter) Load(_ context.Context, key storage.Key) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.data[joinKey(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (a *Adapter) Save(_ context.Context, key storage.Key, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := joinKey(key)
	stored := make([]byte, len(data))
	copy(stored, data)
	a.data[k] = stored
	a.keys[k] = append(storage.Key{}, key...)
	return nil
}

func (a *Adapter) Remove(_ context.Context, key storage.Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := joinKey(key)
	delete(a.data, k)
	delete(a.keys, k)
	return nil
}

func (a *Adapter) LoadRange(_ context.Context, prefix storage.Key) ([]storage.Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []storage.Entry
	for k, full := range a.keys {
		if storage.HasPrefix(full, prefix) {
			data := a.data[k]
			cp := make([]byte, len(data))
			copy(cp, data)
			out = append(out, storage.Entry{Key: full, Data: cp})
		}
	}
	return out, nil
}

func (a *Adapter) RemoveRange(_ context.Context, prefix storage.Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, full := range a.keys {
		if storage.HasPrefix(full, prefix) {
			delete(a.data, k)
			delete(a.keys, k)
		}
	}
	return nil
}
