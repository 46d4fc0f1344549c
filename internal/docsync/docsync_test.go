package docsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/repo/internal/crdt"
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

func (s *fakeSender) messagesTo(p types.PeerID) []types.ProtocolMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ProtocolMessage
	for _, m := range s.sent {
		if m.TargetID == p {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

type relaySender struct {
	target *DocSynchronizer
}

func (r *relaySender) Send(m types.ProtocolMessage) error {
	return r.target.ReceiveSyncMessage(m)
}

// chanScheduler models the repo command-loop: continuations land on a
// channel and the test drains them explicitly instead of running a real
// loop goroutine.
type chanScheduler struct {
	ch chan func()
}

func newChanScheduler() *chanScheduler {
	return &chanScheduler{ch: make(chan func(), 16)}
}

func (s *chanScheduler) Enqueue(fn func()) { s.ch <- fn }

func (s *chanScheduler) drain(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case fn := <-s.ch:
			fn()
		case <-time.After(time.Second):
			t.Fatal("scheduler: timed out waiting for a continuation")
		}
	}
}

func TestBeginSyncWithEmptyDocSendsRequest(t *testing.T) {
	id := docid.New()
	h := handle.New(id, true, true, memcrdt.NewDocument())
	sender := &fakeSender{}
	d := New(id, types.PeerID("me"), h, memcrdt.Algorithm{}, sender)

	sched := newChanScheduler()
	d.BeginSync(context.Background(), sched, []types.PeerID{"bob"})
	sched.drain(t, 1)

	msgs := sender.messagesTo("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MsgRequest, msgs[0].Type)
	assert.Equal(t, types.PeerRequesting, d.PeerState("bob"))
}

func TestReceiveSyncMessageWrongDocumentRejected(t *testing.T) {
	id := docid.New()
	h := handle.New(id, true, true, memcrdt.NewDocument())
	d := New(id, "bob", h, memcrdt.Algorithm{}, &fakeSender{})

	err := d.ReceiveSyncMessage(types.ProtocolMessage{DocumentID: docid.New()})
	assert.ErrorIs(t, err, types.ErrProtocolViolation)
}

func TestPendingMessagesBufferedWhileLoadingThenDrained(t *testing.T) {
	id := docid.New()
	alg := memcrdt.Algorithm{}

	source := memcrdt.NewDocument()
	source.Set("alice", map[string]interface{}{"foo": "bar"})
	srcState := alg.InitSyncState()
	_, msg := alg.GenerateSyncMessage(source, srcState)
	require.NotNil(t, msg)

	h := handle.New(id, false, true, nil)
	require.Equal(t, types.HandleLoading, h.State())

	d := New(id, "bob", h, alg, &fakeSender{})
	require.NoError(t, d.ReceiveSyncMessage(types.ProtocolMessage{
		Type: types.MsgSync, SenderID: "alice", DocumentID: id, Data: msg,
	}))
	assert.Equal(t, types.HandleLoading, h.State(), "message must stay buffered while loading")

	h.Load(memcrdt.NewDocument())

	doc := h.Doc().(*memcrdt.Document)
	v, ok := doc.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)
}

func TestBeginSyncConvergesEmptyPeerFromFullPeer(t *testing.T) {
	id := docid.New()
	alg := memcrdt.Algorithm{}

	aliceDoc := memcrdt.NewDocument()
	aliceDoc.Set("alice", map[string]interface{}{"foo": "bar"})
	aliceHandle := handle.New(id, true, true, aliceDoc)
	bobHandle := handle.New(id, false, false, memcrdt.NewDocument())

	aliceSender := &relaySender{}
	bobSender := &relaySender{}
	alice := New(id, "alice", aliceHandle, alg, aliceSender)
	bob := New(id, "bob", bobHandle, alg, bobSender)
	aliceSender.target = bob
	bobSender.target = alice

	sched := newChanScheduler()
	alice.BeginSync(context.Background(), sched, []types.PeerID{"bob"})
	sched.drain(t, 1)

	bobDoc := bobHandle.Doc().(*memcrdt.Document)
	v, ok := bobDoc.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)
	assert.Equal(t, types.HandleReady, bobHandle.State())
}

func TestUnavailabilityFiresWhenAllPeersUnavailable(t *testing.T) {
	id := docid.New()
	h := handle.New(id, false, false, memcrdt.NewDocument())
	var unavailable bool
	h.OnUnavailable(func() { unavailable = true })

	sender := &fakeSender{}
	d := New(id, "bob", h, memcrdt.Algorithm{}, sender)

	sched := newChanScheduler()
	d.BeginSync(context.Background(), sched, []types.PeerID{"alice"})
	sched.drain(t, 1)

	require.NoError(t, d.ReceiveSyncMessage(types.ProtocolMessage{
		Type:       types.MsgDocUnavailable,
		SenderID:   "alice",
		DocumentID: id,
	}))

	assert.True(t, unavailable)
	assert.Equal(t, types.HandleUnavailable, h.State())

	var sawUnavail bool
	for _, m := range sender.messagesTo("alice") {
		if m.Type == types.MsgDocUnavailable {
			sawUnavail = true
		}
	}
	assert.True(t, sawUnavail)
}

func TestLocalChangePropagatesToActivePeers(t *testing.T) {
	id := docid.New()
	h := handle.New(id, true, true, memcrdt.NewDocument())
	sender := &fakeSender{}
	d := New(id, "alice", h, memcrdt.Algorithm{}, sender)

	sched := newChanScheduler()
	d.BeginSync(context.Background(), sched, []types.PeerID{"bob"})
	sched.drain(t, 1)
	sender.reset()

	h.Update(func(doc crdt.Doc) crdt.Doc {
		md := doc.(*memcrdt.Document)
		md.Set("alice", map[string]interface{}{"foo": "bar"})
		return md
	})

	msgs := sender.messagesTo("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MsgSync, msgs[0].Type)
}

func TestEndSyncRemovesPeerButKeepsState(t *testing.T) {
	id := docid.New()
	doc := memcrdt.NewDocument()
	doc.Set("alice", map[string]interface{}{"foo": "bar"})
	h := handle.New(id, true, true, doc)
	d := New(id, "alice", h, memcrdt.Algorithm{}, &fakeSender{})

	sched := newChanScheduler()
	d.BeginSync(context.Background(), sched, []types.PeerID{"bob"})
	sched.drain(t, 1)
	require.Contains(t, d.Peers(), types.PeerID("bob"))

	d.EndSync("bob")
	assert.NotContains(t, d.Peers(), types.PeerID("bob"))
	assert.Equal(t, types.PeerHasDoc, d.PeerState("bob"), "peer state is retained after endSync")
}
