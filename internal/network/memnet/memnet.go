// Package memnet is an in-process network.Adapter used to exercise the
// synchronizer deterministically in tests, without sockets. Peers are
// wired together explicitly with Connect; messages are delivered
// synchronously on the sender's goroutine.
package memnet

import (
	"fmt"
	"sync"

	"github.com/syncmesh/repo/internal/network"
	"github.com/syncmesh/repo/internal/types"
)

// Adapter is an in-memory network.Adapter.
type Adapter struct {
	peerID types.PeerID

	mu       sync.RWMutex
	peers    map[types.PeerID]*Adapter
	handlers []network.Handler
}

// New constructs an adapter identified by peerID.
func New(peerID types.PeerID) *Adapter {
	return &Adapter{peerID: peerID, peers: make(map[types.PeerID]*Adapter)}
}

var _ network.Adapter = (*Adapter)(nil)

func (a *Adapter) PeerID() types.PeerID { return a.peerID }

func (a *Adapter) Initialize() error {
	a.emit(network.Event{Type: network.EventReady})
	return nil
}

func (a *Adapter) OnEvent(h network.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

func (a *Adapter) emit(ev network.Event) {
	a.mu.RLock()
	handlers := make([]network.Handler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Connect wires a and other bidirectionally and fires peer events on both
// sides, mirroring what a real transport's discovery would produce.
func Connect(a, other *Adapter) {
	a.mu.Lock()
	a.peers[other.peerID] = other
	a.mu.Unlock()
	other.mu.Lock()
	other.peers[a.peerID] = a
	other.mu.Unlock()

	a.emit(network.Event{Type: network.EventPeer, PeerID: other.peerID})
	other.emit(network.Event{Type: network.EventPeer, PeerID: a.peerID})
}

// Disconnect tears down the link between a and other and fires
// peer-disconnected on both sides.
func Disconnect(a, other *Adapter) {
	a.mu.Lock()
	delete(a.peers, other.peerID)
	a.mu.Unlock()
	other.mu.Lock()
	delete(other.peers, a.peerID)
	other.mu.Unlock()

	a.emit(network.Event{Type: network.EventPeerDisconnected, PeerID: other.peerID})
	other.emit(network.Event{Type: network.EventPeerDisconnected, PeerID: a.peerID})
}

// Send implements network.Adapter. Delivery happens synchronously on the
// caller's goroutine, which is sufficient for the single-threaded
// command-loop model every component in this repo already assumes.
func (a *Adapter) Send(msg types.ProtocolMessage) error {
	a.mu.RLock()
	target, ok := a.peers[msg.TargetID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("memnet: peer %s not connected", msg.TargetID)
	}
	target.emit(network.Event{Type: network.EventMessage, PeerID: a.peerID, Message: msg})
	return nil
}

func (a *Adapter) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, p := range a.peers {
		delete(p.peers, a.peerID)
		delete(a.peers, id)
	}
	return nil
}
