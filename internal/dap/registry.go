// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"sync"

	"github.com/microsoft/nova/internal/jdwp"
)

// ChildrenKind distinguishes what a variables reference expands into.
type ChildrenKind int

const (
	// ChildrenLocals expands to the local variables of one frame.
	ChildrenLocals ChildrenKind = iota
	// ChildrenObject expands to the members of one heap object.
	ChildrenObject
)

// FrameEntry resolves an adapter-minted frame id back to the debuggee frame.
type FrameEntry struct {
	Thread   jdwp.ThreadID
	Index    int32
	Frame    jdwp.FrameID
	Location jdwp.Location
}

// VarEntry resolves a variables reference to its expansion target.
type VarEntry struct {
	Kind ChildrenKind

	// ChildrenLocals: the owning frame id.
	FrameID int

	// ChildrenObject.
	Object jdwp.ObjectID
}

type frameKey struct {
	thread jdwp.ThreadID
	index  int32
}

type varKey struct {
	kind    ChildrenKind
	frameID int
	object  jdwp.ObjectID
}

// Registry mints the client-visible integer handles: frame ids scoped to the
// current stop, and variables references scoped to the session. Handles come
// from one monotonic counter and are never reused, so a stale id can only
// miss, never alias an unrelated object.
type Registry struct {
	mu sync.Mutex

	nextHandle int

	frames     map[int]FrameEntry
	frameByKey map[frameKey]int

	vars     map[int]VarEntry
	varByKey map[varKey]int

	// invalid records objects the debuggee reported as collected, so repeat
	// renders skip the doomed round-trip.
	invalid map[jdwp.ObjectID]bool
}

func NewRegistry() *Registry {
	return &Registry{
		nextHandle: 1000,
		frames:     make(map[int]FrameEntry),
		frameByKey: make(map[frameKey]int),
		vars:       make(map[int]VarEntry),
		varByKey:   make(map[varKey]int),
		invalid:    make(map[jdwp.ObjectID]bool),
	}
}

func (r *Registry) mint() int {
	r.nextHandle++
	return r.nextHandle
}

// FrameHandle returns the frame id for (thread, index), minting one on first
// use. Repeated or overlapping stackTrace pages within a stop therefore see
// identical ids.
func (r *Registry) FrameHandle(thread jdwp.ThreadID, index int32, frame jdwp.FrameID, location jdwp.Location) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := frameKey{thread: thread, index: index}
	if id, found := r.frameByKey[key]; found {
		return id
	}
	id := r.mint()
	r.frameByKey[key] = id
	r.frames[id] = FrameEntry{Thread: thread, Index: index, Frame: frame, Location: location}
	return id
}

// LookupFrame resolves a frame id minted during the current stop.
func (r *Registry) LookupFrame(id int) (FrameEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.frames[id]
	return entry, found
}

// LocalsReference returns the variables reference expanding to the locals of
// the given frame.
func (r *Registry) LocalsReference(frameID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := varKey{kind: ChildrenLocals, frameID: frameID}
	if ref, found := r.varByKey[key]; found {
		return ref
	}
	ref := r.mint()
	r.varByKey[key] = ref
	r.vars[ref] = VarEntry{Kind: ChildrenLocals, FrameID: frameID}
	return ref
}

// ObjectReference returns the variables reference expanding to the members of
// the given object. The same object always yields the same reference within
// a session.
func (r *Registry) ObjectReference(object jdwp.ObjectID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := varKey{kind: ChildrenObject, object: object}
	if ref, found := r.varByKey[key]; found {
		return ref
	}
	ref := r.mint()
	r.varByKey[key] = ref
	r.vars[ref] = VarEntry{Kind: ChildrenObject, Object: object}
	return ref
}

// LookupVar resolves a variables reference.
func (r *Registry) LookupVar(ref int) (VarEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.vars[ref]
	return entry, found
}

// MarkCollected records that the debuggee reported the object as garbage
// collected.
func (r *Registry) MarkCollected(object jdwp.ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalid[object] = true
}

// IsCollected reports whether the object was previously marked collected.
func (r *Registry) IsCollected(object jdwp.ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid[object]
}

// InvalidateStop drops every handle scoped to the ending stop: frame ids and
// the locals references hanging off them. Object references survive; their
// objects may still be live on the next stop.
func (r *Registry) InvalidateStop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = make(map[int]FrameEntry)
	r.frameByKey = make(map[frameKey]int)

	for key, ref := range r.varByKey {
		if key.kind == ChildrenLocals {
			delete(r.varByKey, key)
			delete(r.vars, ref)
		}
	}
}
