package connection

import (
	"fmt"
	"sync"
)

// ErrConnectionLimit is returned by Insert once max_connections is
// reached.
var ErrConnectionLimit = fmt.Errorf("connection: max_connections reached")

// Notifier's ConnectionAdded/ConnectionRemoved let the resource manager observe
// connection lifecycle without Manager depending on the broker package.
type Notifier interface {
	ConnectionAdded(c *Connection)
	ConnectionRemoved(c *Connection)
}

// Manager is the set of live connections, keyed both by stream
// identity (for the command source to resolve incoming bytes to a
// Connection) and by id (for management operations), bounded by
// max_connections.
type Manager struct {
	mu       sync.RWMutex
	max      int
	byID     map[uint64]*Connection
	byStream map[Streams]*Connection

	notifier Notifier
}

func NewManager(max int, notifier Notifier) *Manager {
	return &Manager{
		max:      max,
		byID:     make(map[uint64]*Connection, max),
		byStream: make(map[Streams]*Connection, max),
		notifier: notifier,
	}
}

// Insert registers c, failing with ErrConnectionLimit if the global cap is
// already reached.
func (m *Manager) Insert(c *Connection, streams Streams) error {
	m.mu.Lock()
	if len(m.byID) >= m.max {
		m.mu.Unlock()
		return ErrConnectionLimit
	}
	m.byID[c.id] = c
	m.byStream[streams] = c
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.ConnectionAdded(c)
	}
	return nil
}

// Remove unregisters and returns c by id, notifying the resource
// manager so it can run its teardown pass.
func (m *Manager) Remove(id uint64) (*Connection, bool) {
	m.mu.Lock()
	c, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byStream, c.streams)
	}
	m.mu.Unlock()

	if ok && m.notifier != nil {
		m.notifier.ConnectionRemoved(c)
	}
	return c, ok
}

// ByStream resolves an inbound byte stream to its owning Connection —
// the command source's sole job before enqueuing.
func (m *Manager) ByStream(streams Streams) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byStream[streams]
	return c, ok
}

func (m *Manager) ByID(id uint64) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// ForEach snapshots live connections, used by the resource manager's
// eviction-victim scan.
func (m *Manager) ForEach(fn func(*Connection)) {
	m.mu.RLock()
	snapshot := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		snapshot = append(snapshot, c)
	}
	m.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

// Finalize performs the final release of a removed connection's pooled
// storage. Must only be called after the resource manager has completed
// its teardown pass for c — calling it earlier would hand
// the Connection's buffers back to the pool while still in use.
func Finalize(c *Connection) {
	c.release()
}
