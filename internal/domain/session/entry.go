// Package session implements the cross-connection session-continuation
// store: a process-wide registry of saved sessions whose owning
// connection has closed, bounded by an LRU over abandoned entries.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/webitel/tpm-broker/internal/domain/handle"
)

// Entry is a session-family handle entry plus the owning connection, if
// any. It is shared between a Connection's session list and the
// process-wide Registry; Go's garbage collector takes the place of a
// reference-counting or generational-index discipline, since there is
// no manual free to race against — the registry and the Connection
// simply hold ordinary pointers to the same *Entry.
type Entry struct {
	*handle.Entry

	mu       sync.RWMutex
	ownerID  uint64
	hasOwner bool
}

// NewEntry wraps a freshly loaded session handle, owned by connID.
func NewEntry(v handle.Virtual, phys handle.Physical, connID uint64) *Entry {
	return &Entry{
		Entry:    handle.NewSession(v, phys),
		ownerID:  connID,
		hasOwner: true,
	}
}

// Owner returns the owning connection id and whether the entry currently
// has one — a SAVED_BY_CLIENT_CLOSED entry living only in the registry has
// none.
func (e *Entry) Owner() (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ownerID, e.hasOwner
}

func (e *Entry) SetOwner(connID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ownerID = connID
	e.hasOwner = true
}

func (e *Entry) ClearOwner() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasOwner = false
}

// BlobKey fingerprints a context blob into a stable registry lookup key.
// The device's blob format is opaque to the broker; a content hash is the
// only way to answer "does a claimant's blob match a registry entry"
// without re-parsing device-internal structures.
func BlobKey(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
