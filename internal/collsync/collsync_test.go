package collsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/repo/internal/crdt/memcrdt"
	"github.com/syncmesh/repo/internal/docid"
	"github.com/syncmesh/repo/internal/handle"
	"github.com/syncmesh/repo/internal/types"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []types.ProtocolMessage
}

func (s *fakeSender) Send(m types.ProtocolMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// chanScheduler models the repo command-loop: continuations land on a
// channel and the test drains them explicitly instead of running a real
// loop goroutine.
type chanScheduler struct {
	ch chan func()
}

func newChanScheduler() *chanScheduler { return &chanScheduler{ch: make(chan func(), 64)} }

func (s *chanScheduler) Enqueue(fn func()) { s.ch <- fn }

func (s *chanScheduler) drainAll(t *testing.T) {
	t.Helper()
	for {
		select {
		case fn := <-s.ch:
			fn()
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

// fakeResolver constructs one handle per DocumentID on first Find,
// satisfying Resolver the way Repo does (fetch-or-create).
type fakeResolver struct {
	mu      sync.Mutex
	handles map[types.DocumentID]*handle.Handle
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{handles: make(map[types.DocumentID]*handle.Handle)}
}

func (r *fakeResolver) Find(ctx context.Context, id types.DocumentID) (*handle.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		return h, nil
	}
	h := handle.New(id, true, false, memcrdt.NewDocument())
	r.handles[id] = h
	return h, nil
}

func TestAddPeerFansOutToEveryExistingDocument(t *testing.T) {
	ctx := context.Background()
	resolver := newFakeResolver()
	sender := &fakeSender{}
	sched := newChanScheduler()

	c := New("me", resolver, memcrdt.Algorithm{}, sender, sched)
	require.NoError(t, c.AddDocument(ctx, docid.New()))
	require.NoError(t, c.AddDocument(ctx, docid.New()))

	c.AddPeer(ctx, "p1")
	sched.drainAll(t)

	assert.Equal(t, 2, sender.count(), "expected one outbound message per document for the new peer")
	assert.ElementsMatch(t, []types.PeerID{"p1"}, c.Peers())
}

func TestAddPeerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := New("me", newFakeResolver(), memcrdt.Algorithm{}, &fakeSender{}, newChanScheduler())

	c.AddPeer(ctx, "p1")
	c.AddPeer(ctx, "p1")

	assert.Equal(t, []types.PeerID{"p1"}, c.Peers())
}

func TestRemovePeerEndsSyncOnEveryDocument(t *testing.T) {
	ctx := context.Background()
	resolver := newFakeResolver()
	sender := &fakeSender{}
	sched := newChanScheduler()
	c := New("me", resolver, memcrdt.Algorithm{}, sender, sched)

	id := docid.New()
	require.NoError(t, c.AddDocument(ctx, id))
	c.AddPeer(ctx, "p1")
	sched.drainAll(t)

	c.RemovePeer("p1")
	assert.Empty(t, c.Peers())
	require.NotEmpty(t, c.synchronizers)
	for _, ds := range c.synchronizers {
		assert.False(t, ds.HasPeer("p1"))
	}
}

func TestShareePolicyRejectionSkipsBeginSync(t *testing.T) {
	ctx := context.Background()
	resolver := newFakeResolver()
	sender := &fakeSender{}
	sched := newChanScheduler()

	c := New("me", resolver, memcrdt.Algorithm{}, sender, sched,
		WithSharePolicy(func(context.Context, types.PeerID, types.DocumentID) (bool, error) {
			return false, nil
		}))

	require.NoError(t, c.AddDocument(ctx, docid.New()))
	c.AddPeer(ctx, "p1")
	sched.drainAll(t)

	assert.Zero(t, sender.count(), "share policy returning false must suppress BeginSync")
}

func TestReceiveMessageCreatesSynchronizerAndDemuxes(t *testing.T) {
	ctx := context.Background()
	resolver := newFakeResolver()
	sender := &fakeSender{}
	sched := newChanScheduler()
	c := New("me", resolver, memcrdt.Algorithm{}, sender, sched)

	id := docid.New()
	msg := types.ProtocolMessage{
		Type:       types.MsgRequest,
		SenderID:   "p1",
		TargetID:   "me",
		DocumentID: id,
	}
	require.NoError(t, c.ReceiveMessage(ctx, msg))
	sched.drainAll(t)

	resolver.mu.Lock()
	_, ok := resolver.handles[id]
	resolver.mu.Unlock()
	assert.True(t, ok, "receiving a message for an unknown document must materialize its handle")
}

func TestStatsReportsPeerAndDocumentCounts(t *testing.T) {
	ctx := context.Background()
	c := New("me", newFakeResolver(), memcrdt.Algorithm{}, &fakeSender{}, newChanScheduler())

	require.NoError(t, c.AddDocument(ctx, docid.New()))
	require.NoError(t, c.AddDocument(ctx, docid.New()))
	c.AddPeer(ctx, "p1")

	s := c.Stats()
	assert.Equal(t, 1, s.Peers)
	assert.Equal(t, 2, s.Documents)
}

func TestReceiveMessageMissingDocumentIDFails(t *testing.T) {
	c := New("me", newFakeResolver(), memcrdt.Algorithm{}, &fakeSender{}, newChanScheduler())
	err := c.ReceiveMessage(context.Background(), types.ProtocolMessage{SenderID: "p1", TargetID: "me"})
	require.Error(t, err)
}
