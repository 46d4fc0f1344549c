// Package collsync implements CollectionSynchronizer: the
// single per-repo demultiplexer that routes inbound protocol messages to
// the right DocSynchronizer, creates DocSynchronizers on demand, and fans
// peer-join/peer-leave events out after consulting the share policy.
package collsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/syncmesh/repo/internal/crdt"
	"github.com/syncmesh/repo/internal/docsync"
	"github.com/syncmesh/repo/internal/handle"
	"github.com/syncmesh/repo/internal/logging"
	"github.com/syncmesh/repo/internal/types"
)

// SharePolicy decides whether documentId should be shared with peer. It
// is a suspension point: implementations may block, so every call site
// re-checks state read before the call once it resumes.
type SharePolicy func(ctx context.Context, peer types.PeerID, documentID types.DocumentID) (bool, error)

// AlwaysShare is the default share policy.
func AlwaysShare(context.Context, types.PeerID, types.DocumentID) (bool, error) {
	return true, nil
}

// Resolver materializes the handle for a document, firing the repo's
// `document` event as a side effect (the fetch-or-create contract).
// Repo implements this.
type Resolver interface {
	Find(ctx context.Context, id types.DocumentID) (*handle.Handle, error)
}

// CollectionSynchronizer is the per-repo message router and
// DocSynchronizer factory.
type CollectionSynchronizer struct {
	ownPeerID   types.PeerID
	resolver    Resolver
	alg         crdt.Algorithm
	sender      docsync.Sender
	scheduler   docsync.Scheduler
	sharePolicy SharePolicy
	log         *logging.Logger

	peers         []types.PeerID
	docSetUp      map[types.DocumentID]bool
	synchronizers map[types.DocumentID]*docsync.DocSynchronizer
}

// Option configures optional CollectionSynchronizer dependencies.
type Option func(*CollectionSynchronizer)

// WithSharePolicy overrides the default always-share policy.
func WithSharePolicy(p SharePolicy) Option {
	return func(c *CollectionSynchronizer) { c.sharePolicy = p }
}

// WithLogger attaches a logger for share-policy and routing diagnostics.
func WithLogger(log *logging.Logger) Option {
	return func(c *CollectionSynchronizer) { c.log = log }
}

// New constructs a CollectionSynchronizer for the local peer ownPeerID,
// resolving handles through resolver, driving documents via alg, and
// transmitting through sender. scheduler re-enters the owning repo's
// command-loop goroutine after a suspension point resumes.
func New(ownPeerID types.PeerID, resolver Resolver, alg crdt.Algorithm, sender docsync.Sender, scheduler docsync.Scheduler, opts ...Option) *CollectionSynchronizer {
	c := &CollectionSynchronizer{
		ownPeerID:     ownPeerID,
		resolver:      resolver,
		alg:           alg,
		sender:        sender,
		scheduler:     scheduler,
		sharePolicy:   AlwaysShare,
		docSetUp:      make(map[types.DocumentID]bool),
		synchronizers: make(map[types.DocumentID]*docsync.DocSynchronizer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CollectionSynchronizer) hasPeer(p types.PeerID) bool {
	for _, q := range c.peers {
		if q == p {
			return true
		}
	}
	return false
}

// Peers returns the currently known peer set.
func (c *CollectionSynchronizer) Peers() []types.PeerID {
	out := make([]types.PeerID, len(c.peers))
	copy(out, c.peers)
	return out
}

// Stats is a snapshot of aggregate counters for a /metrics or debug
// handler, mirroring what the teacher's collection-level components
// expose alongside their promauto counters.
type Stats struct {
	Peers     int
	Documents int
}

// Stats reports the current peer and tracked-document counts.
func (c *CollectionSynchronizer) Stats() Stats {
	return Stats{Peers: len(c.peers), Documents: len(c.synchronizers)}
}

// AddPeer registers p and, for every document already under sync,
// consults the share policy before beginning sync with p.
func (c *CollectionSynchronizer) AddPeer(ctx context.Context, p types.PeerID) {
	if c.hasPeer(p) {
		return
	}
	c.peers = append(c.peers, p)

	for id, ds := range c.synchronizers {
		c.fanOutShare(ctx, id, ds, []types.PeerID{p})
	}
}

// RemovePeer drops p and ends sync with it on every document.
func (c *CollectionSynchronizer) RemovePeer(p types.PeerID) {
	for i, q := range c.peers {
		if q == p {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			break
		}
	}
	for _, ds := range c.synchronizers {
		ds.EndSync(p)
	}
}

// AddDocument registers d for sync, fetching or creating its
// DocSynchronizer and beginning sync with every peer the share policy
// approves. A no-op if d is already set up.
func (c *CollectionSynchronizer) AddDocument(ctx context.Context, id types.DocumentID) error {
	if c.docSetUp[id] {
		return nil
	}
	ds, err := c.fetchOrCreate(ctx, id)
	if err != nil {
		return err
	}
	c.docSetUp[id] = true
	c.fanOutShare(ctx, id, ds, c.peers)
	return nil
}

// ReceiveMessage demultiplexes an inbound protocol message to the
// document's DocSynchronizer, creating it on demand, then opportunistically
// begins sync with any generous peer the DocSynchronizer doesn't yet
// track.
func (c *CollectionSynchronizer) ReceiveMessage(ctx context.Context, m types.ProtocolMessage) error {
	if m.DocumentID.IsZero() {
		return fmt.Errorf("collsync: %w: message missing documentId", types.ErrProtocolViolation)
	}
	c.docSetUp[m.DocumentID] = true

	ds, err := c.fetchOrCreate(ctx, m.DocumentID)
	if err != nil {
		return err
	}
	if err := ds.ReceiveSyncMessage(m); err != nil {
		return err
	}

	c.fanOutShare(ctx, m.DocumentID, ds, c.peers)
	return nil
}

func (c *CollectionSynchronizer) fetchOrCreate(ctx context.Context, id types.DocumentID) (*docsync.DocSynchronizer, error) {
	if ds, ok := c.synchronizers[id]; ok {
		return ds, nil
	}
	h, err := c.resolver.Find(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("collsync: resolve document: %w", err)
	}
	var opts []docsync.Option
	if c.log != nil {
		opts = append(opts, docsync.WithLogger(c.log))
	}
	ds := docsync.New(id, c.ownPeerID, h, c.alg, c.sender, opts...)
	c.synchronizers[id] = ds
	return ds, nil
}

// fanOutShare consults the share policy for each candidate peer against
// id and begins sync with the ones that are approved, still present in
// peers, and not already tracked by ds. The policy call is a suspension
// point: it runs off the command-loop goroutine and its continuation
// re-enters via scheduler, re-checking state read before the call.
func (c *CollectionSynchronizer) fanOutShare(ctx context.Context, id types.DocumentID, ds *docsync.DocSynchronizer, candidates []types.PeerID) {
	for _, p := range candidates {
		if ds.HasPeer(p) {
			continue
		}
		p := p
		go func() {
			share, err := c.sharePolicy(ctx, p, id)
			c.scheduler.Enqueue(func() {
				if err != nil {
					if c.log != nil {
						c.log.Warn("share policy failed", zap.String("peer", string(p)), zap.Error(err))
					}
					return
				}
				if !share || !c.hasPeer(p) || ds.HasPeer(p) {
					return
				}
				ds.BeginSync(ctx, c.scheduler, []types.PeerID{p})
			})
		}()
	}
}
