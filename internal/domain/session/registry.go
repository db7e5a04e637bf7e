package session

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webitel/tpm-broker/internal/domain/handle"
)

// ErrSessionMemory mirrors rc.SessionMemory at the domain layer.
var ErrSessionMemory = fmt.Errorf("session: max_active_sessions reached")

// ErrNotClaimable is returned when a presented blob does not match any
// abandoned entry.
var ErrNotClaimable = fmt.Errorf("session: no abandoned entry for this context blob")

// Flusher lets the registry discard a still-loaded physical handle when an
// abandoned entry is evicted from the LRU, without importing the device
// package (which would create an import cycle, since the device package
// has no need to know about sessions at all).
type Flusher interface {
	FlushContext(phys handle.Physical) error
}

// GapObserver receives per-connection session-handle gap measurements,
// purely for the admin /stats surface.
type GapObserver interface {
	ObserveGap(connID uint64, gap uint32)
}

// Registry is the process-wide session-continuation store.
type Registry struct {
	mu sync.Mutex

	maxActive int
	active    map[handle.Virtual]*Entry

	abandoned *lru.Cache[string, *Entry]

	flusher Flusher
	gaps    map[uint64]uint32 // connID -> largest observed handle gap

	// pendingFlush holds LRU-evicted entries whose physical handle still
	// needs a device flush. The device call happens after r.mu is
	// released: the device mutex is the innermost lock, never acquired
	// under a registry lock.
	pendingFlush []*Entry

	// detaching suppresses onEvict while an entry is being pulled out of
	// the LRU deliberately (claim, explicit remove) rather than aged out:
	// lru.Cache invokes the eviction callback on Remove too, and a claim
	// must not count as an eviction or drop the entry from active.
	detaching bool

	evicted int // counter surfaced on /stats
}

// NewRegistry builds a registry bounded by maxActive known sessions and
// maxAbandoned unclaimed (SAVED_BY_CLIENT_CLOSED) sessions.
func NewRegistry(maxActive, maxAbandoned int, flusher Flusher) *Registry {
	r := &Registry{
		maxActive: maxActive,
		active:    make(map[handle.Virtual]*Entry, maxActive),
		flusher:   flusher,
		gaps:      make(map[uint64]uint32),
	}
	cache, err := lru.NewWithEvict[string, *Entry](maxAbandoned, r.onEvict)
	if err != nil {
		// Only returned by golang-lru for size <= 0; broker config
		// validation is responsible for never reaching this.
		panic(fmt.Sprintf("session: invalid max_abandoned_sessions: %v", err))
	}
	r.abandoned = cache
	return r
}

// onEvict is invoked synchronously from the lru.Cache's Add/Remove while
// r.mu is already held by the caller, so it must not re-lock r.mu and
// must not reach the device; a still-loaded entry is queued on
// pendingFlush for flushPending to handle once the lock is released.
func (r *Registry) onEvict(_ string, e *Entry) {
	if r.detaching {
		return
	}
	if e.HasPhysical() {
		r.pendingFlush = append(r.pendingFlush, e)
	}
	delete(r.active, e.Virtual())
	r.evicted++
}

// flushPending drains the device flushes queued by LRU eviction. Flush
// failures are best-effort: the entry is discarded either way, matching
// the flush-range sweep posture.
func (r *Registry) flushPending() {
	r.mu.Lock()
	pending := r.pendingFlush
	r.pendingFlush = nil
	r.mu.Unlock()

	for _, e := range pending {
		_ = r.flusher.FlushContext(e.Physical())
	}
}

// Insert registers a brand-new session entry, counting it against
// max_active_sessions.
func (r *Registry) Insert(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) >= r.maxActive {
		return ErrSessionMemory
	}
	r.active[e.Virtual()] = e
	return nil
}

// Lookup returns a known session entry by its virtual handle, whether
// it is owned by a connection or abandoned; callers check Owner to tell
// the two apart.
func (r *Registry) Lookup(v handle.Virtual) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[v]
	return e, ok
}

// Remove discards a session entirely (e.g. on explicit flush), freeing its
// slot against max_active_sessions.
func (r *Registry) Remove(v handle.Virtual) {
	r.mu.Lock()
	if e, ok := r.active[v]; ok {
		r.detaching = true
		r.abandoned.Remove(BlobKey(e.Blob()))
		r.detaching = false
		delete(r.active, v)
	}
	r.mu.Unlock()
}

// Abandon transitions an entry to SAVED_BY_CLIENT_CLOSED and pushes it to
// the LRU tail, evicting the current head if max_abandoned is already
// reached.
func (r *Registry) Abandon(e *Entry) error {
	if e.State() != handle.StateSavedByClient {
		return fmt.Errorf("session: abandon called on entry in state %s, want SAVED_BY_CLIENT", e.State())
	}
	if !e.HasBlob() {
		return fmt.Errorf("session: abandon called on entry with no context blob")
	}

	r.mu.Lock()
	e.SetState(handle.StateSavedByClientClosed)
	e.ClearOwner()
	r.abandoned.Add(BlobKey(e.Blob()), e)
	r.mu.Unlock()

	r.flushPending()
	return nil
}

// Claim transitions a SAVED_BY_CLIENT_CLOSED entry into connID's
// ownership. Any connection in possession of a correctly-formed
// saved-context blob may claim — the caller is responsible for having
// obtained blob from the client (via ContextLoad's command body); this
// just performs the registry-side bookkeeping once a match is found.
func (r *Registry) Claim(blob []byte, connID uint64) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := BlobKey(blob)
	e, ok := r.abandoned.Get(key)
	if !ok {
		return nil, ErrNotClaimable
	}
	r.detaching = true
	r.abandoned.Remove(key)
	r.detaching = false
	e.SetOwner(connID)
	return e, nil
}

// Detach pulls an abandoned entry out of the LRU without discarding it,
// for adoption by direct handle reference rather than by presented blob.
func (r *Registry) Detach(e *Entry) {
	r.mu.Lock()
	r.detaching = true
	r.abandoned.Remove(BlobKey(e.Blob()))
	r.detaching = false
	r.mu.Unlock()
}

// AbandonedLen reports the current LRU occupancy, checked against
// max_abandoned_sessions in tests.
func (r *Registry) AbandonedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abandoned.Len()
}

func (r *Registry) ActiveLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Registry) EvictedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// ObserveGap records the largest session-handle gap a connection has
// seen between two consecutively assigned session handles — purely
// observational, surfaced via /stats.
func (r *Registry) ObserveGap(connID uint64, gap uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.gaps[connID]; !ok || gap > cur {
		r.gaps[connID] = gap
	}
}

func (r *Registry) MaxGap(connID uint64) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gaps[connID]
}

// MaxObservedGap reports the largest gap any connection has seen, the
// aggregate the admin /stats endpoint exposes.
func (r *Registry) MaxObservedGap() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint32
	for _, g := range r.gaps {
		if g > max {
			max = g
		}
	}
	return max
}
