// Package filestore is a filesystem-backed storage.Adapter, adapted from
// the teacher's internal/storage.FileStorage: one file per key, written
// under a directory tree mirroring the key's components.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syncmesh/repo/internal/storage"
)

// Adapter is a filesystem storage.Adapter rooted at baseDir.
type Adapter struct {
	baseDir string
	mu      sync.RWMutex
}

// New returns an adapter rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Adapter, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir %s: %w", baseDir, err)
	}
	return &Adapter{baseDir: baseDir}, nil
}

var _ storage.Adapter = (*Adapter)(nil)

func (a *Adapter) path(key storage.Key) string {
	parts := make([]string, 0, len(key))
	for _, c := range key {
		parts = append(parts, sanitize(c))
	}
	return filepath.Join(append([]string{a.baseDir}, parts...)...) + ".bin"
}

func (a *Adapter) dir(prefix storage.Key) string {
	parts := make([]string, 0, len(prefix))
	for _, c := range prefix {
		parts = append(parts, sanitize(c))
	}
	return filepath.Join(append([]string{a.baseDir}, parts...)...)
}

func sanitize(component string) string {
	// Key components are opaque identifiers (documentId, peerId, chunk
	// ids); they must never be interpreted as path traversal.
	return filepath.Base(component)
}

func (a *Adapter) Load(_ context.Context, key storage.Key) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, err := os.ReadFile(a.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: load: %w", err)
	}
	return data, nil
}

func (a *Adapter) Save(_ context.Context, key storage.Key, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("filestore: mkdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("filestore: save: %w", err)
	}
	return nil
}

func (a *Adapter) Remove(_ context.Context, key storage.Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.Remove(a.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: remove: %w", err)
	}
	return nil
}

func (a *Adapter) LoadRange(_ context.Context, prefix storage.Key) ([]storage.Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	root := a.dir(prefix)
	var out []storage.Entry
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return readErr
		}
		rel, relErr := filepath.Rel(a.baseDir, p)
		if relErr != nil {
			return relErr
		}
		out = append(out, storage.Entry{Key: keyFromRelPath(rel), Data: data})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("filestore: load range: %w", err)
	}
	return out, nil
}

func (a *Adapter) RemoveRange(_ context.Context, prefix storage.Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.RemoveAll(a.dir(prefix)); err != nil {
		return fmt.Errorf("filestore: remove range: %w", err)
	}
	return nil
}

func keyFromRelPath(rel string) storage.Key {
	rel = rel[:len(rel)-len(filepath.Ext(rel))]
	return storage.Key(strings.Split(rel, string(filepath.Separator)))
}
