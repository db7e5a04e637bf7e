// Package handlemap implements the per-connection handle map: a
// thread-safe association from virtual handles to entries, bounded by a
// per-connection cap, for a single handle family (transient objects).
// A guarded map plus a monotonically-advancing cursor for allocation;
// iteration is over snapshots so teardown sweeps can mutate freely.
package handlemap

import (
	"fmt"
	"sync"

	"github.com/webitel/tpm-broker/internal/domain/handle"
)

// ErrCapReached is returned by Insert once the connection's entry cap is
// hit — surfaced to the client as rc.ObjectMemory.
var ErrCapReached = fmt.Errorf("handlemap: per-connection cap reached")

// Map is a per-connection, bounded, thread-safe handle table. Only one
// family of handles is stored per map.
type Map struct {
	mu      sync.RWMutex
	base    handle.Virtual
	cap     int
	cursor  int // offset from base of the next allocation attempt
	entries map[handle.Virtual]*handle.Entry
}

// New builds a handle map whose virtual handles are allocated starting at
// base+1 and wrap after base+cap is reached.
func New(base handle.Virtual, capacity int) *Map {
	return &Map{
		base:    base,
		cap:     capacity,
		entries: make(map[handle.Virtual]*handle.Entry, capacity),
	}
}

// Len reports the number of live entries, never above Cap.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Map) Cap() int { return m.cap }

// NextVirtual allocates the next unused virtual handle in [base+1,
// base+cap], wrapping back to base+1 once the ceiling is hit. It does not
// insert anything; callers call Insert with the returned handle.
func (m *Map) NextVirtual() (handle.Virtual, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.cap {
		return 0, ErrCapReached
	}
	for i := 0; i < m.cap; i++ {
		candidate := m.base + 1 + handle.Virtual((m.cursor+i)%m.cap)
		if _, used := m.entries[candidate]; !used {
			m.cursor = (m.cursor + i + 1) % m.cap
			return candidate, nil
		}
	}
	return 0, ErrCapReached
}

// Insert places entry under its own virtual handle. Fails if the cap is
// already reached and the handle isn't already present (re-insertion of an
// entry the caller already owns is allowed, e.g. after a reload).
func (m *Map) Insert(entry *handle.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := entry.Virtual()
	if _, exists := m.entries[v]; !exists && len(m.entries) >= m.cap {
		return ErrCapReached
	}
	m.entries[v] = entry
	return nil
}

// Remove deletes and returns the entry for v, if present.
func (m *Map) Remove(v handle.Virtual) (*handle.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[v]
	if ok {
		delete(m.entries, v)
	}
	return e, ok
}

// Lookup returns the entry for v. The returned reference must only be
// held for the duration of a single command — the resource manager
// enforces that by acquiring/releasing the entry's ref count around
// each command, not by anything in this package.
func (m *Map) Lookup(v handle.Virtual) (*handle.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[v]
	return e, ok
}

// ForEach snapshots the current entries and invokes fn for each.
// Callers must not rely on mutations during the callback being
// observed; the snapshot means they simply won't be.
func (m *Map) ForEach(fn func(*handle.Entry)) {
	m.mu.RLock()
	snapshot := make([]*handle.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		fn(e)
	}
}
