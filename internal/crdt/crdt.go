// Package crdt defines the capability boundary between the synchronizer
// and the CRDT algorithm. The synchronizer never inspects a document's
// contents or a sync message's bytes; it only calls the Algorithm methods
// below and treats their inputs/outputs as opaque.
//
// internal/crdt/memcrdt provides a reference implementation so the
// synchronizer is testable without a production CRDT library wired in;
// real deployments supply their own Doc/SyncState behind this interface.
package crdt

// Doc is an opaque, in-memory CRDT document value.
type Doc interface {
	// Heads returns the tip-change hashes of the document. Nonempty iff
	// the document is non-empty.
	Heads() []byte
}

// SyncState is opaque per-peer CRDT metadata tracking what a peer is
// believed to know.
type SyncState interface{}

// Algorithm is the black-box CRDT capability:
//
//	initSyncState, generateSyncMessage, receiveSyncMessage,
//	encodeSyncState, decodeSyncState, decodeSyncMessage
type Algorithm interface {
	InitSyncState() SyncState

	// GenerateSyncMessage returns the next message to send to a peer
	// given doc and that peer's sync state, along with the sync state's
	// successor. A nil message means there is nothing to send.
	GenerateSyncMessage(doc Doc, state SyncState) (SyncState, []byte)

	// ReceiveSyncMessage applies an inbound sync message to doc using the
	// sender's sync state, returning the new document and sync state.
	ReceiveSyncMessage(doc Doc, state SyncState, message []byte) (Doc, SyncState, error)

	EncodeSyncState(state SyncState) []byte
	DecodeSyncState(data []byte) (SyncState, error)

	// DecodeSyncMessage extracts the heads a sync message implies the
	// sender holds, without mutating any document. Used by the
	// synchronizer to classify inbound messages.
	DecodeSyncMessage(message []byte) (heads [][]byte, err error)

	// NewDoc returns a fresh, empty document (the isNew path).
	NewDoc() Doc

	// SaveSnapshot returns a full encoding of doc, sufficient on its own
	// to reconstruct it via LoadDoc.
	SaveSnapshot(doc Doc) []byte

	// SaveIncremental returns the encoding of changes to doc since marker
	// (the nextMarker from a prior SaveSnapshot/SaveIncremental call,
	// nil for "everything"), plus the marker to persist for next time.
	SaveIncremental(doc Doc, marker []byte) (chunk []byte, nextMarker []byte)

	// LoadDoc reconstructs a document from a snapshot chunk followed by
	// zero or more incremental chunks, combined in the order the CRDT
	// prescribes.
	LoadDoc(chunks [][]byte) (Doc, error)
}
