// Package syncrepo is the public façade over the synchronization engine,
// mirroring the shape of the teacher's pkg/knirvbase: a thin Options/New
// wrapper that wires concrete adapters together and hands back narrow,
// capability-shaped types instead of leaking internal/* identifiers
// across the module boundary.
package syncrepo

import (
	"context"
	"fmt"

	"github.com/syncmesh/repo/internal/collsync"
	"github.com/syncmesh/repo/internal/crdt"
	"github.com/syncmesh/repo/internal/docid"
	"github.com/syncmesh/repo/internal/handle"
	"github.com/syncmesh/repo/internal/logging"
	"github.com/syncmesh/repo/internal/monitoring"
	"github.com/syncmesh/repo/internal/network"
	"github.com/syncmesh/repo/internal/network/tcpnet"
	"github.com/syncmesh/repo/internal/pqc"
	"github.com/syncmesh/repo/internal/repo"
	"github.com/syncmesh/repo/internal/storage"
	"github.com/syncmesh/repo/internal/storage/filestore"
	"github.com/syncmesh/repo/internal/storage/memstore"
	"github.com/syncmesh/repo/internal/types"
)

// Options configures a Repo. PeerID is required unless Listen is set, in
// which case the tcpnet adapter mints its own identity and PeerID is
// ignored.
type Options struct {
	PeerID string

	// DataDir, if non-empty, persists documents under it via filestore.
	// Left empty, the repo holds documents in memory only (memstore).
	DataDir string

	// EncryptionPassphrase, if set, encrypts every persisted chunk and
	// snapshot at rest. The PQC master key itself is sealed under a key
	// derived from this passphrase and stored alongside the documents
	// (internal/storage.LoadOrCreateMasterKey), so a repo restarted with
	// the same DataDir and passphrase recovers the same key instead of
	// generating a fresh one and orphaning everything already written.
	EncryptionPassphrase string

	// Listen, if true, starts a tcpnet adapter bound to an ephemeral
	// port; peers are added with Dial. Left false, the repo has no
	// network adapter and documents never leave requesting/unavailable
	// without an explicit Dial-equivalent wired in by the caller.
	Listen bool

	// SharePolicy overrides the default generous-sharing policy.
	// documentURL is the automerge: URL form.
	SharePolicy func(ctx context.Context, peerID, documentURL string) (bool, error)

	LogLevel  string // zap level name; defaults to "info"
	LogFormat string // "json" or "console"; defaults to "json"
}

// Repo is the public synchronization engine handle.
type Repo struct {
	inner   *repo.Repo
	log     *logging.Logger
	metrics *monitoring.Metrics
	netAdap network.Adapter
}

// New constructs a Repo per opts.
func New(ctx context.Context, opts Options) (*Repo, error) {
	if ctx == nil {
		return nil, fmt.Errorf("syncrepo: context cannot be nil")
	}

	level, format := opts.LogLevel, opts.LogFormat
	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}
	log, err := logging.NewLogger(level, format)
	if err != nil {
		return nil, fmt.Errorf("syncrepo: build logger: %w", err)
	}

	var adapter storage.Adapter
	if opts.DataDir != "" {
		fs, err := filestore.New(opts.DataDir)
		if err != nil {
			return nil, fmt.Errorf("syncrepo: open data dir: %w", err)
		}
		adapter = fs
	} else {
		adapter = memstore.New()
	}

	peerID := types.PeerID(opts.PeerID)
	var netAdap network.Adapter
	if opts.Listen {
		tn := tcpnet.New(ctx, log)
		netAdap = tn
		peerID = tn.PeerID()
	} else if opts.PeerID == "" {
		return nil, fmt.Errorf("syncrepo: PeerID is required when Listen is false")
	}

	metrics := monitoring.NewMetrics()

	var sharePolicy collsync.SharePolicy
	if opts.SharePolicy != nil {
		sharePolicy = func(ctx context.Context, p types.PeerID, id types.DocumentID) (bool, error) {
			return opts.SharePolicy(ctx, string(p), docid.Encode(id))
		}
	}

	var encManager *pqc.EncryptionManager
	if opts.EncryptionPassphrase != "" {
		encManager = pqc.NewEncryptionManager()
	}

	inner, err := repo.New(ctx, repo.Options{
		PeerID:               peerID,
		Storage:              adapter,
		Network:              netAdap,
		SharePolicy:          sharePolicy,
		Logger:               log,
		Metrics:              metrics,
		EncryptionManager:    encManager,
		EncryptionPassphrase: opts.EncryptionPassphrase,
	})
	if err != nil {
		return nil, err
	}

	return &Repo{inner: inner, log: log, metrics: metrics, netAdap: netAdap}, nil
}

// PeerID returns this repo's identity (generated by the tcpnet adapter
// whenever Listen was set, in place of Options.PeerID).
func (r *Repo) PeerID() string { return string(r.inner.PeerID()) }

// Addr returns the tcpnet listener's address, or "" if Listen was false.
func (r *Repo) Addr() string {
	tn, ok := r.netAdap.(*tcpnet.Adapter)
	if !ok || tn == nil {
		return ""
	}
	if a := tn.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Dial connects this repo's network adapter to a peer at address,
// exercised only when Listen was set.
func (r *Repo) Dial(address string) error {
	tn, ok := r.netAdap.(*tcpnet.Adapter)
	if !ok || tn == nil {
		return fmt.Errorf("syncrepo: no network adapter configured")
	}
	return tn.Dial(address)
}

// Metrics returns the repo's prometheus metrics, for wiring into a
// promhttp.Handler.
func (r *Repo) Metrics() *monitoring.Metrics { return r.metrics }

// Stats reports aggregate handle/peer/document counters, for a debug
// endpoint alongside Metrics.
func (r *Repo) Stats(ctx context.Context) (repo.Stats, error) { return r.inner.Stats(ctx) }

// Create mints a new document.
func (r *Repo) Create(ctx context.Context) (*Document, error) {
	h, err := r.inner.Create(ctx)
	if err != nil {
		return nil, err
	}
	return &Document{h: h}, nil
}

// Find resolves a document URL to its Document, fetching it from peers
// if not cached and not yet loaded from storage.
func (r *Repo) Find(ctx context.Context, url string) (*Document, error) {
	h, err := r.inner.FindURL(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Document{h: h}, nil
}

// Delete drops url from the cache and removes its persisted state.
// Deletion is local only; it is never propagated to peers.
func (r *Repo) Delete(ctx context.Context, url string) error {
	id, err := docid.Decode(url, r.log)
	if err != nil {
		return err
	}
	return r.inner.Delete(ctx, id)
}

// OnUnavailableDocument subscribes to every document's unavailable
// transition, firing with the document's URL.
func (r *Repo) OnUnavailableDocument(fn func(url string)) {
	r.inner.OnUnavailableDocument(func(id types.DocumentID) { fn(docid.Encode(id)) })
}

// Shutdown stops the repo's command loop and network adapter.
func (r *Repo) Shutdown() error { return r.inner.Shutdown() }

// Document is a capability-shaped view over a DocHandle: enough for a
// consuming application to observe lifecycle and mutate content without
// importing internal/handle or internal/crdt directly.
type Document struct {
	h *handle.Handle
}

// URL returns the document's automerge: URL.
func (d *Document) URL() string { return docid.Encode(d.h.DocumentID()) }

// Ready reports whether the document has a usable value, either loaded
// from storage or received from a peer.
func (d *Document) Ready() bool { return d.h.InState(types.HandleReady) }

// Unavailable reports whether every known peer confirmed they don't have
// this document.
func (d *Document) Unavailable() bool { return d.h.InState(types.HandleUnavailable) }

// Deleted reports whether Delete has been called for this document.
func (d *Document) Deleted() bool { return d.h.InState(types.HandleDeleted) }

// payloader is satisfied by CRDT implementations (e.g. memcrdt.Document)
// that expose their materialized content as a plain map; Value degrades
// to returning the opaque crdt.Doc itself when the algorithm doesn't.
type payloader interface {
	Payload() map[string]interface{}
}

// Value returns the document's current materialized content, or nil if
// not yet ready.
func (d *Document) Value() interface{} {
	doc := d.h.Doc()
	if doc == nil {
		return nil
	}
	if p, ok := doc.(payloader); ok {
		return p.Payload()
	}
	return doc
}

// Update applies a local mutation under the handle's lifecycle lock,
// emitting change/heads-changed and triggering outbound sync to every
// active peer. mutate receives the underlying CRDT document (e.g. a
// *memcrdt.Document), not the map Value returns, and changes it in place.
func (d *Document) Update(mutate func(doc interface{})) {
	d.h.Update(func(doc crdt.Doc) crdt.Doc {
		mutate(doc)
		return doc
	})
}

// OnChange subscribes to local or remote mutations of this document.
func (d *Document) OnChange(fn func()) {
	d.h.OnChange(func(crdt.Doc) { fn() })
}
