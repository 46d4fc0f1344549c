// Package repo implements Repo: the composition root that owns the
// handle cache, wires storage load/save around handle lifecycle, and
// registers documents with the CollectionSynchronizer. A Repo owns
// exactly one command loop goroutine; every mutating entry point that
// touches the handle cache, a DocSynchronizer, or the
// CollectionSynchronizer runs on that goroutine. Suspension points
// (storage calls, the share policy, waiting for a handle's document) run
// off the loop and re-enter via Enqueue, re-checking state once they
// resume. Network sends are not among them: Send hands each message to
// the adapter inline, on the loop.
package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncmesh/repo/internal/collsync"
	"github.com/syncmesh/repo/internal/crdt"
	"github.com/syncmesh/repo/internal/crdt/memcrdt"
	"github.com/syncmesh/repo/internal/docid"
	"github.com/syncmesh/repo/internal/docsync"
	"github.com/syncmesh/repo/internal/handle"
	"github.com/syncmesh/repo/internal/logging"
	"github.com/syncmesh/repo/internal/monitoring"
	"github.com/syncmesh/repo/internal/network"
	"github.com/syncmesh/repo/internal/pqc"
	"github.com/syncmesh/repo/internal/storage"
	"github.com/syncmesh/repo/internal/storagecoord"
	"github.com/syncmesh/repo/internal/types"
)

// Options configures a Repo. Only PeerID is required; Storage, Network,
// SharePolicy, Logger, and Metrics are all optional and default to a
// repo with no persistence, no transport, and generous sharing.
type Options struct {
	PeerID      types.PeerID
	Storage     storage.Adapter
	Network     network.Adapter
	Algorithm   crdt.Algorithm
	SharePolicy collsync.SharePolicy
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics

	// EncryptionManager, if set, wraps Storage in storage.EncryptedAdapter
	// before it reaches the storage coordinator: every chunk and snapshot
	// is sealed with the manager's active master key on the way in and
	// opened on the way out. Nil by default; off unless a caller supplies
	// one.
	EncryptionManager *pqc.EncryptionManager
	EncryptionKeyID   string

	// EncryptionPassphrase, if set alongside EncryptionManager, recovers
	// the manager's master key from storage.LoadOrCreateMasterKey instead
	// of requiring the caller to have already called SetMasterKey: the
	// key is unwrapped from Storage if a prior run sealed one there, or
	// generated and sealed under this passphrase if not. EncryptionKeyID
	// defaults to the recovered key's ID when left empty.
	EncryptionPassphrase string
}

// Repo is the synchronization engine's composition root.
type Repo struct {
	peerID  types.PeerID
	storage *storagecoord.Coordinator
	netAdap network.Adapter
	alg     crdt.Algorithm
	log     *logging.Logger
	metrics *monitoring.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	work chan func()
	done chan struct{}

	handles map[types.DocumentID]*handle.Handle
	coll    *collsync.CollectionSynchronizer

	networkReady     bool
	pendingDocuments []types.DocumentID

	subsMu          sync.RWMutex
	unavailableSubs []func(types.DocumentID)
}

// New constructs a Repo and starts its command loop. If opts.Network is
// set, New registers the repo's event handler and calls Initialize on
// it; document registration with the CollectionSynchronizer is deferred
// until the adapter reports EventReady.
func New(ctx context.Context, opts Options) (*Repo, error) {
	if opts.PeerID == "" {
		return nil, fmt.Errorf("repo: PeerID is required")
	}
	alg := opts.Algorithm
	if alg == nil {
		alg = memcrdt.Algorithm{}
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &Repo{
		peerID:       opts.PeerID,
		netAdap:      opts.Network,
		alg:          alg,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		ctx:          rctx,
		cancel:       cancel,
		work:         make(chan func()),
		done:         make(chan struct{}),
		handles:      make(map[types.DocumentID]*handle.Handle),
		networkReady: opts.Network == nil,
	}
	if opts.Storage != nil {
		adapter := opts.Storage
		if opts.EncryptionManager != nil {
			keyID := opts.EncryptionKeyID
			if opts.EncryptionPassphrase != "" {
				if err := storage.LoadOrCreateMasterKey(ctx, adapter, opts.EncryptionManager, opts.EncryptionPassphrase); err != nil {
					return nil, fmt.Errorf("repo: load or create master key: %w", err)
				}
				if keyID == "" {
					keyID = opts.EncryptionManager.GetMasterKey().ID
				}
			}
			adapter = storage.NewEncryptedAdapter(adapter, opts.EncryptionManager, keyID)
		}
		r.storage = storagecoord.New(adapter, alg)
	} else if opts.EncryptionManager != nil && opts.EncryptionPassphrase != "" {
		return nil, fmt.Errorf("repo: EncryptionPassphrase requires Storage")
	}

	var collOpts []collsync.Option
	if opts.SharePolicy != nil {
		collOpts = append(collOpts, collsync.WithSharePolicy(opts.SharePolicy))
	}
	if r.log != nil {
		collOpts = append(collOpts, collsync.WithLogger(r.log))
	}
	r.coll = collsync.New(r.peerID, r, alg, r, r, collOpts...)

	go r.runLoop()

	if opts.Network != nil {
		opts.Network.OnEvent(r.handleNetworkEvent)
		if err := opts.Network.Initialize(); err != nil {
			cancel()
			return nil, fmt.Errorf("repo: initialize network adapter: %w", err)
		}
	}
	return r, nil
}

// PeerID returns this repo's identity.
func (r *Repo) PeerID() types.PeerID { return r.peerID }

func (r *Repo) runLoop() {
	for {
		select {
		case fn := <-r.work:
			fn()
		case <-r.done:
			return
		}
	}
}

// Enqueue posts fn onto the command loop without waiting for it to run.
// It satisfies docsync.Scheduler and collsync's continuation contract
// for re-entering after a suspension point.
func (r *Repo) Enqueue(fn func()) {
	select {
	case r.work <- fn:
	case <-r.done:
	}
}

type callResult[T any] struct {
	val T
	err error
}

// call runs fn on the command loop and blocks the caller until it
// completes, for client-facing operations (Create, FindURL, Delete) that
// must return a value synchronously.
func call[T any](ctx context.Context, r *Repo, fn func() (T, error)) (T, error) {
	resCh := make(chan callResult[T], 1)
	posted := func() {
		v, err := fn()
		resCh <- callResult[T]{v, err}
	}
	select {
	case r.work <- posted:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-r.done:
		var zero T
		return zero, fmt.Errorf("repo: shut down")
	}
	select {
	case res := <-resCh:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Send implements docsync.Sender, forwarding outbound protocol messages
// to the configured network adapter. A repo with no adapter configured
// fails every send with ErrNetworkNotReady.
func (r *Repo) Send(msg types.ProtocolMessage) error {
	if r.netAdap == nil {
		return types.ErrNetworkNotReady
	}
	err := r.netAdap.Send(msg)
	if r.metrics != nil && err == nil {
		r.metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
		r.metrics.BytesSent.Add(float64(len(msg.Data)))
	}
	return err
}

// Create generates a fresh DocumentID, constructs a handle with
// isNew=true, fires the document event, and registers it with the
// CollectionSynchronizer.
func (r *Repo) Create(ctx context.Context) (*handle.Handle, error) {
	return call(ctx, r, func() (*handle.Handle, error) {
		id := docid.New()
		h := handle.New(id, true, r.storage != nil, r.alg.NewDoc())
		r.handles[id] = h
		r.onDocument(h)
		return h, nil
	})
}

// FindURL parses url (the automerge: scheme, with legacy-UUID
// auto-conversion) and returns the cached handle for its DocumentID if
// present, otherwise constructs one with isNew=false and fires the
// document event. If the returned handle is already unavailable,
// subscribers registered via OnUnavailableDocument are notified
// post-return, since they could not have observed the original
// transition.
func (r *Repo) FindURL(ctx context.Context, url string) (*handle.Handle, error) {
	id, err := docid.Decode(url, r.log)
	if err != nil {
		return nil, err
	}
	h, err := call(ctx, r, func() (*handle.Handle, error) {
		return r.Find(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if h.InState(types.HandleUnavailable) {
		r.notifyUnavailable(id)
	}
	return h, nil
}

// Find resolves id to its handle, creating one on demand. It satisfies
// collsync.Resolver and is called only from within the command loop
// (either via FindURL's call() or via the CollectionSynchronizer, which
// Repo drives exclusively from loop-bound closures). Repo keeps the
// handle cache; the DocSynchronizer built for a document holds that
// document's handle directly and subscribes to its change and
// enter-active events, so the two reference each other.
func (r *Repo) Find(ctx context.Context, id types.DocumentID) (*handle.Handle, error) {
	if h, ok := r.handles[id]; ok {
		return h, nil
	}
	h := handle.New(id, false, r.storage != nil, r.alg.NewDoc())
	r.handles[id] = h
	r.onDocument(h)
	return h, nil
}

// Delete drops id from the handle cache, transitions its handle to
// deleted, and removes every persisted key under its prefix. Removal is
// local only; it is never propagated to peers.
func (r *Repo) Delete(ctx context.Context, id types.DocumentID) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		if h, ok := r.handles[id]; ok {
			h.Delete()
			delete(r.handles, id)
		}
		if r.storage != nil {
			if err := r.storage.RemoveDoc(r.ctx, id); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// OnUnavailableDocument subscribes to every document's unavailable
// transition, firing with the DocumentID.
func (r *Repo) OnUnavailableDocument(fn func(types.DocumentID)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.unavailableSubs = append(r.unavailableSubs, fn)
}

func (r *Repo) notifyUnavailable(id types.DocumentID) {
	r.subsMu.RLock()
	subs := append([]func(types.DocumentID){}, r.unavailableSubs...)
	r.subsMu.RUnlock()
	for _, fn := range subs {
		fn(id)
	}
}

// onDocument handles a freshly materialized document: storage load/save
// wiring and CollectionSynchronizer registration. Called only from the
// command loop (Create and Find both run inside it).
func (r *Repo) onDocument(h *handle.Handle) {
	id := h.DocumentID()

	h.OnUnavailable(func() {
		if r.metrics != nil {
			r.metrics.DocumentsUnavailable.Inc()
		}
		r.notifyUnavailable(id)
	})

	if r.storage != nil {
		if h.IsNew() {
			doc := h.Doc()
			go func() {
				start := time.Now()
				err := r.storage.SaveDoc(r.ctx, id, doc)
				if r.metrics != nil {
					r.metrics.StorageSaveDuration.Observe(time.Since(start).Seconds())
					if err != nil {
						r.metrics.StorageErrors.Inc()
					}
				}
				if err != nil && r.log != nil {
					r.log.Warn("initial document persist failed",
						zap.String("document_id", id.String()), zap.Error(err))
				}
			}()
		} else {
			go func() {
				start := time.Now()
				loaded, err := r.storage.LoadDoc(r.ctx, id)
				if r.metrics != nil {
					r.metrics.StorageLoadDuration.Observe(time.Since(start).Seconds())
					if err != nil {
						r.metrics.StorageErrors.Inc()
					}
				}
				r.Enqueue(func() {
					if err != nil {
						if r.log != nil {
							r.log.Warn("document load failed",
								zap.String("document_id", id.String()), zap.Error(err))
						}
						h.Request(r.alg.NewDoc())
						return
					}
					if loaded != nil {
						h.Load(loaded)
					} else {
						h.Request(r.alg.NewDoc())
					}
				})
			}()
		}

		h.OnHeadsChanged(func(doc crdt.Doc) {
			go func() {
				start := time.Now()
				err := r.storage.SaveDoc(r.ctx, id, doc)
				if r.metrics != nil {
					r.metrics.StorageSaveDuration.Observe(time.Since(start).Seconds())
					if err != nil {
						r.metrics.StorageErrors.Inc()
					}
				}
				if err != nil && r.log != nil {
					r.log.Warn("incremental document persist failed",
						zap.String("document_id", id.String()), zap.Error(err))
				}
			}()
		})
	}

	if r.networkReady {
		if err := r.coll.AddDocument(r.ctx, id); err != nil && r.log != nil {
			r.log.Warn("register document failed", zap.String("document_id", id.String()), zap.Error(err))
		}
	} else {
		r.pendingDocuments = append(r.pendingDocuments, id)
	}
}

// handleNetworkEvent is the network.Handler registered with the
// adapter. It only posts onto the command loop; adapter callbacks may
// arrive on a reader goroutine outside repo's single-threaded contract.
func (r *Repo) handleNetworkEvent(ev network.Event) {
	r.Enqueue(func() {
		switch ev.Type {
		case network.EventReady:
			r.networkReady = true
			pending := r.pendingDocuments
			r.pendingDocuments = nil
			for _, id := range pending {
				if err := r.coll.AddDocument(r.ctx, id); err != nil && r.log != nil {
					r.log.Warn("register document failed", zap.String("document_id", id.String()), zap.Error(err))
				}
			}
		case network.EventPeer:
			r.coll.AddPeer(r.ctx, ev.PeerID)
			if r.metrics != nil {
				r.metrics.ActivePeers.Set(float64(len(r.coll.Peers())))
			}
		case network.EventPeerDisconnected:
			r.coll.RemovePeer(ev.PeerID)
			if r.metrics != nil {
				r.metrics.ActivePeers.Set(float64(len(r.coll.Peers())))
			}
		case network.EventMessage:
			if r.metrics != nil {
				r.metrics.MessagesReceived.WithLabelValues(string(ev.Message.Type)).Inc()
				r.metrics.BytesReceived.Add(float64(len(ev.Message.Data)))
			}
			if err := r.coll.ReceiveMessage(r.ctx, ev.Message); err != nil && r.log != nil {
				r.log.Warn("receive message failed", zap.String("peer_id", string(ev.PeerID)), zap.Error(err))
			}
		case network.EventPeerCandidate:
			// No discovery policy lives in the core; adapters that want
			// to accept or reject candidates decide for themselves
			// before emitting EventPeer.
		}
	})
}

// Stats is a snapshot of aggregate repo-level counters for a /metrics
// or debug handler.
type Stats struct {
	Handles int
	collsync.Stats
}

// Stats reports the current handle-cache size plus the
// CollectionSynchronizer's peer/document counts.
func (r *Repo) Stats(ctx context.Context) (Stats, error) {
	return call(ctx, r, func() (Stats, error) {
		return Stats{Handles: len(r.handles), Stats: r.coll.Stats()}, nil
	})
}

// Shutdown stops the command loop and, if a network adapter is
// configured, tears it down. syncStates and the handle cache are simply
// dropped; the storage coordinator's data outlives the process.
func (r *Repo) Shutdown() error {
	close(r.done)
	r.cancel()
	if r.netAdap != nil {
		return r.netAdap.Shutdown()
	}
	return nil
}
