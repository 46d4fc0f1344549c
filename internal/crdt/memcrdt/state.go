package memcrdt

import "github.com/syncmesh/repo/internal/clock"

// State is the opaque per-peer sync state (crdt.SyncState). TheirVector is
// our belief of what the peer has already seen; LastSent is the vector we
// generated a message for last time, used to avoid re-sending an identical
// message every time GenerateSyncMessage is called (the "nothing new"
// case, where the message is nil).
type State struct {
	TheirVector clock.VectorClock `json:"theirVector"`
	LastSent    clock.VectorClock `json:"lastSent"`
}

func newState() *State {
	return &State{TheirVector: clock.NewVectorClock(), LastSent: nil}
}
