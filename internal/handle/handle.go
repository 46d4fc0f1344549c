// Package handle implements DocHandle: the per-document lifecycle state
// machine and in-memory CRDT value that DocSynchronizer and Repo
// coordinate around. A Handle's mutating methods are meant to be called
// only from its owning repo's command-loop goroutine; AwaitDoc is the
// one method safe to block on from another goroutine,
// used by code that must suspend until the handle reaches a usable
// state.
package handle

import (
	"context"
	"sync"

	"github.com/syncmesh/repo/internal/crdt"
	"github.com/syncmesh/repo/internal/types"
)

// Handle is a DocHandle.
type Handle struct {
	documentID types.DocumentID
	isNew      bool

	mu      sync.Mutex
	state   types.HandleState
	doc     crdt.Doc
	stateCh chan struct{}

	onChange       []func(crdt.Doc)
	onHeadsChanged []func(crdt.Doc)
	onUnavailable  []func()
	onEnterActive  []func()
}

// New constructs a handle per the initial-state rule: isNew=true starts
// ready with emptyDoc; otherwise loading if a storage adapter is
// configured, else requesting.
func New(id types.DocumentID, isNew bool, storageConfigured bool, emptyDoc crdt.Doc) *Handle {
	h := &Handle{
		documentID: id,
		isNew:      isNew,
		stateCh:    make(chan struct{}),
	}
	switch {
	case isNew:
		h.state = types.HandleReady
		h.doc = emptyDoc
	case storageConfigured:
		h.state = types.HandleLoading
	default:
		// requesting still carries a defined doc (the DocHandle invariant:
		// doc is defined iff state ∈ {ready, requesting}).
		h.state = types.HandleRequesting
		h.doc = emptyDoc
	}
	return h
}

func (h *Handle) DocumentID() types.DocumentID { return h.documentID }
func (h *Handle) IsNew() bool                  { return h.isNew }

// State returns the current lifecycle state.
func (h *Handle) State() types.HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// InState reports whether the handle is currently in one of states.
func (h *Handle) InState(states ...types.HandleState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return contains(states, h.state)
}

// Doc returns the current in-memory document, or nil if undefined in the
// current state.
func (h *Handle) Doc() crdt.Doc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc
}

func contains(states []types.HandleState, s types.HandleState) bool {
	for _, want := range states {
		if want == s {
			return true
		}
	}
	return false
}

// transition applies a state (and optionally doc) change and wakes every
// AwaitDoc caller blocked on the prior generation.
func (h *Handle) transition(state types.HandleState, doc crdt.Doc, setDoc bool) {
	h.mu.Lock()
	h.state = state
	if setDoc {
		h.doc = doc
	}
	old := h.stateCh
	h.stateCh = make(chan struct{})
	h.mu.Unlock()
	close(old)
}

// Load transitions loading → ready with a document restored from
// storage.
func (h *Handle) Load(doc crdt.Doc) {
	h.transition(types.HandleReady, doc, true)
	h.fireEnterActive()
}

// Request transitions loading → requesting: storage had nothing, the
// document must come from peers. emptyDoc becomes the handle's doc so
// the requesting state keeps the invariant that doc is defined whenever
// state ∈ {ready, requesting}.
func (h *Handle) Request(emptyDoc crdt.Doc) {
	h.transition(types.HandleRequesting, emptyDoc, true)
	h.fireEnterActive()
}

func (h *Handle) fireEnterActive() {
	h.mu.Lock()
	subs := append([]func(){}, h.onEnterActive...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Update atomically replaces the document and emits change and
// heads-changed. Also serves the requesting → ready transition on first
// receipt of a nonempty document.
func (h *Handle) Update(f func(crdt.Doc) crdt.Doc) {
	h.mu.Lock()
	newDoc := f(h.doc)
	becameReady := false
	state := h.state
	if state == types.HandleRequesting && newDoc != nil && len(newDoc.Heads()) > 0 {
		state = types.HandleReady
		becameReady = true
	}
	h.state = state
	h.doc = newDoc
	old := h.stateCh
	h.stateCh = make(chan struct{})
	onChange := append([]func(crdt.Doc){}, h.onChange...)
	onHeads := append([]func(crdt.Doc){}, h.onHeadsChanged...)
	onEnter := append([]func(){}, h.onEnterActive...)
	h.mu.Unlock()
	close(old)

	for _, fn := range onChange {
		fn(newDoc)
	}
	for _, fn := range onHeads {
		fn(newDoc)
	}
	if becameReady {
		for _, fn := range onEnter {
			fn()
		}
	}
}

// Unavailable transitions requesting → unavailable and fires the
// unavailable event. This is the only path to the unavailable state.
func (h *Handle) Unavailable() {
	h.mu.Lock()
	if h.state != types.HandleRequesting {
		h.mu.Unlock()
		return
	}
	h.state = types.HandleUnavailable
	old := h.stateCh
	h.stateCh = make(chan struct{})
	subs := append([]func(){}, h.onUnavailable...)
	h.mu.Unlock()
	close(old)

	for _, fn := range subs {
		fn()
	}
}

// Delete transitions {ready, requesting, unavailable} → deleted.
func (h *Handle) Delete() {
	h.mu.Lock()
	if !contains([]types.HandleState{types.HandleReady, types.HandleRequesting, types.HandleUnavailable}, h.state) {
		h.mu.Unlock()
		return
	}
	h.state = types.HandleDeleted
	old := h.stateCh
	h.stateCh = make(chan struct{})
	h.mu.Unlock()
	close(old)
}

// OnChange subscribes to document replacement.
func (h *Handle) OnChange(fn func(crdt.Doc)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// OnHeadsChanged subscribes to document replacement specifically for
// persistence (saves incrementally on heads-changed).
func (h *Handle) OnHeadsChanged(fn func(crdt.Doc)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHeadsChanged = append(h.onHeadsChanged, fn)
}

// OnUnavailable subscribes to the unavailable transition.
func (h *Handle) OnUnavailable(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnavailable = append(h.onUnavailable, fn)
}

// OnEnterActive subscribes to the handle entering ready or requesting,
// the point at which a DocSynchronizer may safely drain messages it
// buffered while the handle was loading.
func (h *Handle) OnEnterActive(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEnterActive = append(h.onEnterActive, fn)
}

// AwaitDoc blocks until the handle enters one of allowed, or ctx is
// canceled, or the handle is deleted. This is the future `doc(allowedStates)`
// the design is built around; it is the one Handle method meant to be
// called from outside the owning repo's command-loop goroutine, since it
// is the mechanism by which that goroutine's suspension points are
// modeled.
func (h *Handle) AwaitDoc(ctx context.Context, allowed ...types.HandleState) (crdt.Doc, error) {
	for {
		h.mu.Lock()
		state, doc, ch := h.state, h.doc, h.stateCh
		h.mu.Unlock()

		if contains(allowed, state) {
			return doc, nil
		}
		if state == types.HandleDeleted {
			return nil, types.ErrUnavailable
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
