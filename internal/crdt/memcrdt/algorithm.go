package memcrdt

import (
	"encoding/json"
	"fmt"

	"github.com/syncmesh/repo/internal/clock"
	"github.com/syncmesh/repo/internal/crdt"
)

// wireMessage is the binary sync message exchanged between peers. It
// carries the sender's current vector clock (used by the receiver as the
// message's "heads") plus any operations the sender believes the receiver
// is missing.
type wireMessage struct {
	SenderVector clock.VectorClock `json:"senderVector"`
	Ops          []operation       `json:"ops"`
}

// Algorithm implements crdt.Algorithm.
type Algorithm struct{}

var _ crdt.Algorithm = Algorithm{}

func (Algorithm) InitSyncState() crdt.SyncState {
	return newState()
}

func (Algorithm) GenerateSyncMessage(doc crdt.Doc, state crdt.SyncState) (crdt.SyncState, []byte) {
	d, s := mustDoc(doc), mustState(state)

	docVector := d.Vector()
	if s.LastSent != nil && clock.Compare(docVector, s.LastSent) == clock.Equal {
		return s, nil
	}

	msg := wireMessage{
		SenderVector: docVector,
		Ops:          d.opsSince(s.TheirVector),
	}
	next := &State{TheirVector: clock.Clone(s.TheirVector), LastSent: docVector}
	return next, encodeWireMessage(msg)
}

func (Algorithm) ReceiveSyncMessage(doc crdt.Doc, state crdt.SyncState, message []byte) (crdt.Doc, crdt.SyncState, error) {
	d, s := mustDoc(doc), mustState(state)

	msg, err := decodeWireMessage(message)
	if err != nil {
		return nil, nil, err
	}

	for _, op := range msg.Ops {
		d.applyOperation(op)
	}

	next := &State{
		TheirVector: clock.Merge(s.TheirVector, msg.SenderVector),
		LastSent:    clock.Clone(s.LastSent),
	}
	return d, next, nil
}

func (Algorithm) EncodeSyncState(state crdt.SyncState) []byte {
	data, _ := json.Marshal(mustState(state))
	return data
}

func (Algorithm) DecodeSyncState(data []byte) (crdt.SyncState, error) {
	s := newState()
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("memcrdt: decode sync state: %w", err)
	}
	return s, nil
}

func (Algorithm) DecodeSyncMessage(message []byte) ([][]byte, error) {
	msg, err := decodeWireMessage(message)
	if err != nil {
		return nil, err
	}
	if len(msg.SenderVector) == 0 {
		return nil, nil
	}
	return [][]byte{encodeVector(msg.SenderVector)}, nil
}

// NewDoc returns a fresh empty document.
func (Algorithm) NewDoc() crdt.Doc { return NewDocument() }

// SaveSnapshot encodes the document's entire oplog.
func (Algorithm) SaveSnapshot(doc crdt.Doc) []byte {
	return mustDoc(doc).encodeOpsFrom(0)
}

// SaveIncremental encodes ops recorded since marker and returns the
// marker to persist for the next call.
func (Algorithm) SaveIncremental(doc crdt.Doc, marker []byte) ([]byte, []byte) {
	d := mustDoc(doc)
	from := decodeMarker(marker)
	chunk := d.encodeOpsFrom(from)
	return chunk, encodeMarker(d.opsLen())
}

// LoadDoc replays snapshot and incremental chunks, in the order given,
// into a fresh document. An operation whose vector the document already
// dominates is skipped, so re-delivered chunks are harmless, but a chunk
// replayed after one that was saved later loses its operations: the
// snapshot goes first and incrementals follow in the order they were
// saved.
func (Algorithm) LoadDoc(chunks [][]byte) (crdt.Doc, error) {
	d := NewDocument()
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		var ops []operation
		if err := json.Unmarshal(chunk, &ops); err != nil {
			return nil, fmt.Errorf("memcrdt: decode chunk: %w", err)
		}
		for _, op := range ops {
			d.applyOperation(op)
		}
	}
	return d, nil
}

func decodeMarker(marker []byte) int {
	if len(marker) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(marker, &n); err != nil {
		return 0
	}
	return n
}

func encodeMarker(n int) []byte {
	data, _ := json.Marshal(n)
	return data
}

func encodeWireMessage(msg wireMessage) []byte {
	data, _ := json.Marshal(msg)
	return data
}

func decodeWireMessage(data []byte) (wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wireMessage{}, fmt.Errorf("memcrdt: malformed sync message: %w", err)
	}
	return msg, nil
}

func encodeVector(v clock.VectorClock) []byte {
	data, _ := json.Marshal(v)
	return data
}

func mustDoc(doc crdt.Doc) *Document {
	d, ok := doc.(*Document)
	if !ok {
		panic(fmt.Sprintf("memcrdt: unexpected Doc implementation %T", doc))
	}
	return d
}

func mustState(state crdt.SyncState) *State {
	s, ok := state.(*State)
	if !ok {
		panic(fmt.Sprintf("memcrdt: unexpected SyncState implementation %T", state))
	}
	return s
}

// opsSince returns the operations the document believes a peer at
// theirVector has not yet seen, using the same per-peer-counter threshold
// the teacher's DistributedCollection.handleSyncRequest uses to answer a
// sync request.
func (d *Document) opsSince(theirVector clock.VectorClock) []operation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var missing []operation
	for _, op := range d.ops {
		theirClock := theirVector[op.PeerID]
		opClock := op.Vector[op.PeerID]
		if opClock > theirClock {
			missing = append(missing, op)
		}
	}
	return missing
}
