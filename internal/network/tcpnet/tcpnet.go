// Package tcpnet is a reference network.Adapter implementation over raw
// TCP, adapted from the teacher's custom P2P NetworkManager
// (internal/network/network_manager.go): a line-delimited handshake
// followed by newline-delimited JSON ProtocolMessage frames. It trades
// DHT-style discovery (out of scope here; peers are supplied explicitly
// via Dial) for the same connection/framing machinery.
package tcpnet

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncmesh/repo/internal/logging"
	"github.com/syncmesh/repo/internal/network"
	"github.com/syncmesh/repo/internal/types"
)

const handshakePrefix = "SYNCMESH"

// Adapter is a TCP-based network.Adapter. The zero value is not usable;
// construct with New.
type Adapter struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *logging.Logger

	listener net.Listener
	peerID   types.PeerID

	mu          sync.RWMutex
	connections map[types.PeerID]net.Conn
	handlers    []network.Handler
	initialized bool
}

// New constructs a tcpnet adapter. log may be nil.
func New(ctx context.Context, log *logging.Logger) *Adapter {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int63())))
	c, cancel := context.WithCancel(ctx)
	return &Adapter{
		ctx:         c,
		cancel:      cancel,
		log:         log,
		peerID:      types.PeerID(hex.EncodeToString(h[:16])),
		connections: make(map[types.PeerID]net.Conn),
	}
}

var _ network.Adapter = (*Adapter)(nil)

func (a *Adapter) PeerID() types.PeerID { return a.peerID }

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

// Initialize binds a listening socket and begins accepting connections.
func (a *Adapter) Initialize() error {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return nil
	}
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("tcpnet: listen: %w", err)
	}
	a.listener = listener
	a.initialized = true
	a.mu.Unlock()

	go a.acceptLoop()

	if a.log != nil {
		a.log.Info("tcpnet adapter listening", zap.String("addr", listener.Addr().String()), zap.String("peer_id", string(a.peerID)))
	}
	a.emit(network.Event{Type: network.EventReady})
	return nil
}

// Dial connects outward to address and performs the handshake.
func (a *Adapter) Dial(address string) error {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("tcpnet: dial %s: %w", address, err)
	}
	fmt.Fprintf(conn, "%s:%s\n", handshakePrefix, a.peerID)

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		conn.Close()
		return fmt.Errorf("tcpnet: no handshake response from %s", address)
	}
	peerID, err := parseHandshake(scanner.Text())
	if err != nil {
		conn.Close()
		return err
	}

	a.registerConn(peerID, conn)
	go a.readLoop(peerID, conn, scanner)
	return nil
}

func (a *Adapter) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
				continue
			}
		}
		go a.handleInbound(conn)
	}
}

func (a *Adapter) handleInbound(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		conn.Close()
		return
	}
	peerID, err := parseHandshake(scanner.Text())
	if err != nil {
		conn.Close()
		return
	}
	fmt.Fprintf(conn, "%s:%s\n", handshakePrefix, a.peerID)

	a.registerConn(peerID, conn)
	a.readLoop(peerID, conn, scanner)
}

func parseHandshake(line string) (types.PeerID, error) {
	parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
	if len(parts) != 2 || parts[0] != handshakePrefix {
		return "", fmt.Errorf("tcpnet: %w: bad handshake", types.ErrProtocolViolation)
	}
	return types.PeerID(parts[1]), nil
}

func (a *Adapter) registerConn(peerID types.PeerID, conn net.Conn) {
	a.mu.Lock()
	a.connections[peerID] = conn
	a.mu.Unlock()
	a.emit(network.Event{Type: network.EventPeer, PeerID: peerID})
}

func (a *Adapter) readLoop(peerID types.PeerID, conn net.Conn, scanner *bufio.Scanner) {
	defer func() {
		conn.Close()
		a.mu.Lock()
		delete(a.connections, peerID)
		a.mu.Unlock()
		a.emit(network.Event{Type: network.EventPeerDisconnected, PeerID: peerID})
	}()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg types.ProtocolMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			if a.log != nil {
				a.log.Warn("tcpnet: dropping malformed frame", zap.String("peer_id", string(peerID)))
			}
			continue
		}
		a.emit(network.Event{Type: network.EventMessage, PeerID: peerID, Message: msg})
	}
}

// Send implements network.Adapter.
func (a *Adapter) Send(msg types.ProtocolMessage) error {
	a.mu.RLock()
	conn, ok := a.connections[msg.TargetID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tcpnet: peer %s not connected", msg.TargetID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("tcpnet: encode message: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("tcpnet: send to %s: %w", msg.TargetID, err)
	}
	return nil
}

// Shutdown implements network.Adapter.
func (a *Adapter) Shutdown() error {
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener != nil {
		a.listener.Close()
	}
	for _, conn := range a.connections {
		conn.Close()
	}
	a.connections = make(map[types.PeerID]net.Conn)
	a.initialized = false
	return nil
}

// Addr returns the adapter's bound listen address, valid after Initialize.
func (a *Adapter) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}
