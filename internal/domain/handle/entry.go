package handle

import (
	"fmt"
	"sync"
)

// Entry is a HandleMapEntry: exactly one of (Physical valid,
// Blob valid) holds at rest for a transient entry; a session entry that is
// not currently loaded always has a valid Blob.
type Entry struct {
	mu sync.Mutex

	virtual  Virtual
	kind     Kind
	physical Physical
	blob     []byte

	// Session-only fields; zero-valued and unused for Kind == KindTransient.
	state SessionState

	// refs counts commands currently depending on this entry's physical
	// handle staying loaded; only unreferenced entries are eligible for
	// eviction.
	refs int
}

// NewTransient builds an entry freshly populated with a physical handle,
// as happens when the broker observes a device-allocated handle in a
// response it must virtualize.
func NewTransient(v Virtual, phys Physical) *Entry {
	return &Entry{virtual: v, kind: KindTransient, physical: phys}
}

// NewSession builds a session entry, initially LOADED.
func NewSession(v Virtual, phys Physical) *Entry {
	return &Entry{virtual: v, kind: KindSession, physical: phys, state: StateLoaded}
}

func (e *Entry) Virtual() Virtual { return e.virtual }
func (e *Entry) Kind() Kind       { return e.kind }

func (e *Entry) Physical() Physical {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.physical
}

func (e *Entry) HasPhysical() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.physical != PhysicalNone
}

func (e *Entry) Blob() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blob
}

func (e *Entry) HasBlob() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blob) > 0
}

// MarkEvicted clears the physical handle and stores blob, the moment an
// entry is saved-and-flushed off the device. A
// session entry lands in SAVED_BY_DAEMON; callers acting on an explicit
// client save override that with SetState.
func (e *Entry) MarkEvicted(blob []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.physical = PhysicalNone
	e.blob = append([]byte(nil), blob...)
	if e.kind == KindSession {
		e.state = StateSavedByDaemon
	}
}

// MarkLoaded records a freshly (re)loaded physical handle and drops the
// blob, since the two are mutually exclusive at rest. A session entry
// returns to LOADED whichever saved state it came from.
func (e *Entry) MarkLoaded(phys Physical) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.physical = phys
	e.blob = nil
	if e.kind == KindSession {
		e.state = StateLoaded
	}
}

// State returns the session lifecycle state. Meaningless for transients.
func (e *Entry) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Entry) SetState(s SessionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// Acquire/Release implement the hold bookkeeping: an entry referenced
// by the command currently being processed may not be chosen for
// eviction.
func (e *Entry) Acquire() {
	e.mu.Lock()
	e.refs++
	e.mu.Unlock()
}

func (e *Entry) Release() {
	e.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	e.mu.Unlock()
}

func (e *Entry) Referenced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs > 0
}

// CheckInvariant validates "exactly one of physical_valid,
// blob_valid". A violation is a fatal bookkeeping bug — callers are
// expected to abort the process on a non-nil return, not recover.
func (e *Entry) CheckInvariant() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	hasPhys := e.physical != PhysicalNone
	hasBlob := len(e.blob) > 0
	if hasPhys == hasBlob {
		return fmt.Errorf("handle entry %#x invariant violated: physical_valid=%v blob_valid=%v", e.virtual, hasPhys, hasBlob)
	}
	return nil
}
