// Package storagecoord implements the storage coordinator: a thin layer
// over a storage.Adapter that serializes/deserializes CRDT documents and
// per-(document, peer) sync states under a hierarchical key scheme. It
// is grounded on the teacher's FileStorage.Insert/Find chunking
// (internal/storage, now internal/storage/filestore) generalized from
// whole-document JSON blobs to CRDT snapshot/incremental chunks.
package storagecoord

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/syncmesh/repo/internal/crdt"
	"github.com/syncmesh/repo/internal/storage"
	"github.com/syncmesh/repo/internal/tracing"
	"github.com/syncmesh/repo/internal/types"
)

// DefaultSnapshotInterval is the snapshot cadence in SaveDoc calls: a
// document's first save and every DefaultSnapshotInterval-th save after
// it write a fresh snapshot, and the DefaultSnapshotInterval-1 saves in
// between write incremental chunks that the next snapshot folds in.
// Counting calls rather than wall-clock time keeps the cadence
// deterministic given a sequence of saves.
const DefaultSnapshotInterval = 16

// Coordinator is the storage coordinator.
type Coordinator struct {
	adapter  storage.Adapter
	alg      crdt.Algorithm
	interval int

	mu       sync.Mutex
	progress map[types.DocumentID]*docProgress
}

type docProgress struct {
	mu sync.Mutex

	marker        []byte
	snapSeq       int
	incrSeq       int
	sinceSnapshot int
}

// New constructs a coordinator over adapter using alg to encode/decode
// documents.
func New(adapter storage.Adapter, alg crdt.Algorithm) *Coordinator {
	return &Coordinator{
		adapter:  adapter,
		alg:      alg,
		interval: DefaultSnapshotInterval,
		progress: make(map[types.DocumentID]*docProgress),
	}
}

func snapshotKey(id types.DocumentID, seq int) storage.Key {
	return storage.Key{id.String(), "snapshot", fmt.Sprintf("%08d", seq)}
}

func incrementalKey(id types.DocumentID, seq int) storage.Key {
	return storage.Key{id.String(), "incremental", fmt.Sprintf("%08d", seq)}
}

func syncStateKey(id types.DocumentID, peer types.PeerID) storage.Key {
	return storage.Key{id.String(), "sync-state", string(peer)}
}

func docPrefix(id types.DocumentID) storage.Key {
	return storage.Key{id.String()}
}

// SaveDoc persists doc for id, either as a new incremental chunk or, on
// the first save and every interval saves thereafter, as a fresh
// snapshot with prior incrementals folded in and discarded. Concurrent
// SaveDoc calls for the same id are serialized on that id's docProgress
// so chunk sequencing and the marker handoff never race.
func (c *Coordinator) SaveDoc(ctx context.Context, id types.DocumentID, doc crdt.Doc) error {
	ctx, span := tracing.StartSpan(ctx, "storagecoord.SaveDoc", attribute.String("document_id", id.String()))
	defer span.End()

	c.mu.Lock()
	p, ok := c.progress[id]
	if !ok {
		p = &docProgress{}
		c.progress[id] = p
	}
	c.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sinceSnapshot == 0 || p.sinceSnapshot >= c.interval {
		snapshot := c.alg.SaveSnapshot(doc)
		if err := c.adapter.Save(ctx, snapshotKey(id, p.snapSeq), snapshot); err != nil {
			return fmt.Errorf("storagecoord: save snapshot: %w", err)
		}
		if err := c.adapter.RemoveRange(ctx, storage.Key{id.String(), "incremental"}); err != nil {
			return fmt.Errorf("storagecoord: fold incrementals: %w", err)
		}
		_, marker := c.alg.SaveIncremental(doc, nil)
		p.marker = marker
		p.snapSeq++
		p.incrSeq = 0
		p.sinceSnapshot = 1
		return nil
	}

	chunk, marker := c.alg.SaveIncremental(doc, p.marker)
	if len(chunk) > 0 {
		if err := c.adapter.Save(ctx, incrementalKey(id, p.incrSeq), chunk); err != nil {
			return fmt.Errorf("storagecoord: save incremental: %w", err)
		}
		p.incrSeq++
	}
	p.marker = marker
	p.sinceSnapshot++
	return nil
}

// LoadDoc loads every chunk and snapshot under id's prefix and combines
// them via the CRDT's LoadDoc, returning nil if nothing is stored.
func (c *Coordinator) LoadDoc(ctx context.Context, id types.DocumentID) (crdt.Doc, error) {
	ctx, span := tracing.StartSpan(ctx, "storagecoord.LoadDoc", attribute.String("document_id", id.String()))
	defer span.End()

	entries, err := c.adapter.LoadRange(ctx, docPrefix(id))
	if err != nil {
		return nil, fmt.Errorf("storagecoord: load range: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var snapshots, incrementals []storage.Entry
	for _, e := range entries {
		if len(e.Key) < 2 {
			continue
		}
		switch e.Key[1] {
		case "snapshot":
			snapshots = append(snapshots, e)
		case "incremental":
			incrementals = append(incrementals, e)
		}
	}
	sortByLastKeyComponent(snapshots)
	sortByLastKeyComponent(incrementals)

	var chunks [][]byte
	if len(snapshots) > 0 {
		chunks = append(chunks, snapshots[len(snapshots)-1].Data)
	}
	for _, e := range incrementals {
		chunks = append(chunks, e.Data)
	}

	doc, err := c.alg.LoadDoc(chunks)
	if err != nil {
		return nil, fmt.Errorf("storagecoord: reconstruct document: %w", err)
	}

	_, marker := c.alg.SaveIncremental(doc, nil)
	c.mu.Lock()
	c.progress[id] = &docProgress{
		marker:        marker,
		snapSeq:       len(snapshots),
		incrSeq:       len(incrementals),
		sinceSnapshot: len(incrementals) + 1,
	}
	c.mu.Unlock()

	return doc, nil
}

// RemoveDoc drops every persisted chunk, snapshot, and sync state for id.
func (c *Coordinator) RemoveDoc(ctx context.Context, id types.DocumentID) error {
	c.mu.Lock()
	delete(c.progress, id)
	c.mu.Unlock()

	if err := c.adapter.RemoveRange(ctx, docPrefix(id)); err != nil {
		return fmt.Errorf("storagecoord: remove document: %w", err)
	}
	return nil
}

// SaveSyncState persists a peer's sync state for id. This is an optional
// fast path for reconnection, not required by the core loop.
func (c *Coordinator) SaveSyncState(ctx context.Context, id types.DocumentID, peer types.PeerID, state []byte) error {
	if err := c.adapter.Save(ctx, syncStateKey(id, peer), state); err != nil {
		return fmt.Errorf("storagecoord: save sync state: %w", err)
	}
	return nil
}

// LoadSyncState loads a peer's previously saved sync state for id, or nil
// if none was ever saved.
func (c *Coordinator) LoadSyncState(ctx context.Context, id types.DocumentID, peer types.PeerID) ([]byte, error) {
	data, err := c.adapter.Load(ctx, syncStateKey(id, peer))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storagecoord: load sync state: %w", err)
	}
	return data, nil
}

func sortByLastKeyComponent(entries []storage.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key[len(entries[i].Key)-1] < entries[j].Key[len(entries[j].Key)-1]
	})
}
