// Package network defines the transport-level NetworkAdapter capability
// and a TCP-based reference implementation, tcpnet, adapted from the
// teacher's custom P2P NetworkManager. The synchronizer (internal/collsync,
// internal/repo) depends only on the Adapter interface; tcpnet is one
// concrete transport among others a deployment could plug in.
package network

import (
	"github.com/syncmesh/repo/internal/types"
)

// EventType enumerates the events an Adapter produces.
type EventType int

const (
	// EventPeerCandidate fires when a potential peer is discovered, before
	// the adapter has committed to connecting.
	EventPeerCandidate EventType = iota
	// EventPeer fires once a peer connection is established and ready to
	// carry traffic.
	EventPeer
	// EventPeerDisconnected fires when a previously-announced peer drops.
	EventPeerDisconnected
	// EventMessage fires for every inbound ProtocolMessage.
	EventMessage
	// EventReady fires once the adapter has finished its own startup
	// (e.g. listening socket bound) and is safe to Send on.
	EventReady
)

// Event is a single adapter notification. Fields not relevant to Type are
// left zero.
type Event struct {
	Type    EventType
	PeerID  types.PeerID
	Message types.ProtocolMessage
}

// Handler receives adapter events. Handlers are invoked sequentially per
// adapter in the order events occur; a handler must not block for long.
type Handler func(Event)

// Adapter is the transport-level capability the synchronizer depends on.
// It is responsible for framing and peer discovery; the core only ever
// sees structured types.ProtocolMessage values.
type Adapter interface {
	// Initialize starts the adapter (binds listeners, begins peer
	// discovery). OnEvent subscribers registered before Initialize
	// observe every event, including the first Ready.
	Initialize() error

	// OnEvent registers a handler for adapter events. Multiple handlers
	// may be registered; all are invoked for every event.
	OnEvent(Handler)

	// Send delivers msg to the peer named by msg.TargetID. Returns an
	// error if the peer is not connected.
	Send(msg types.ProtocolMessage) error

	// PeerID returns this adapter's own identity.
	PeerID() types.PeerID

	// Shutdown tears down all connections and listeners.
	Shutdown() error
}
