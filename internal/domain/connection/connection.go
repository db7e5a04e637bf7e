// Package connection implements the Connection and its manager: the
// ownership root of all per-client virtualization state, dual-indexed
// by stream identity and by id, with pool-recycled Connection values.
package connection

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/webitel/tpm-broker/internal/domain/handle"
	"github.com/webitel/tpm-broker/internal/domain/handlemap"
	"github.com/webitel/tpm-broker/internal/domain/session"
)

// Streams is the pair of byte streams a connection factory hands the
// broker for one client. The broker never opens or closes these itself
// beyond calling Close.
type Streams interface {
	io.Reader
	io.Writer
	io.Closer
}

var idSeq uint64

// nextID hands out a process-local, monotonically increasing 64-bit
// connection id. New also stores a random uuid.UUID identity alongside
// it, returned by Identity.
func nextID() uint64 {
	return atomic.AddUint64(&idSeq, 1)
}

// Connection owns one client's I/O streams and its transient-object
// HandleMap. It is immutable after construction except for its
// HandleMap and session list.
type Connection struct {
	id       uint64
	identity uuid.UUID
	streams  Streams
	ctx      context.Context
	cancel   context.CancelFunc

	handles *handlemap.Map

	sessMu   sync.RWMutex
	sessions map[handle.Virtual]*session.Entry // this connection's claims
}

// pool recycles Connection values — clients connect and disconnect far
// more often than the broker allocates new handle-map backing arrays
// for them.
var pool = sync.Pool{New: func() any { return &Connection{} }}

// New builds a Connection over streams, with a transient HandleMap bounded
// by maxTransient. base offsets
// each connection's virtual handle space so two connections never collide
// even though both count from "base+1" conceptually — the base is chosen
// by the connection factory (wsconn's nextHandleBase).
func New(ctx context.Context, streams Streams, base handle.Virtual, maxTransient int) *Connection {
	c := pool.Get().(*Connection)
	cctx, cancel := context.WithCancel(ctx)

	c.id = nextID()
	c.identity = uuid.New()
	c.streams = streams
	c.ctx = cctx
	c.cancel = cancel
	c.handles = handlemap.New(base, maxTransient)
	c.sessions = make(map[handle.Virtual]*session.Entry)

	return c
}

func (c *Connection) ID() uint64               { return c.id }
func (c *Connection) Identity() uuid.UUID      { return c.identity }
func (c *Connection) Context() context.Context { return c.ctx }
func (c *Connection) Handles() *handlemap.Map  { return c.handles }

func (c *Connection) Read(p []byte) (int, error)  { return c.streams.Read(p) }
func (c *Connection) Write(p []byte) (int, error) { return c.streams.Write(p) }

// ClaimSession records that this connection now owns a session entry
// (StartAuthSession's output, or a successful claim of an abandoned one).
func (c *Connection) ClaimSession(e *session.Entry) {
	c.sessMu.Lock()
	c.sessions[e.Virtual()] = e
	c.sessMu.Unlock()
}

// ReleaseSession drops this connection's claim (e.g. after the client
// saves and the entry moves to the registry), without touching the
// registry itself.
func (c *Connection) ReleaseSession(v handle.Virtual) {
	c.sessMu.Lock()
	delete(c.sessions, v)
	c.sessMu.Unlock()
}

func (c *Connection) LookupSession(v handle.Virtual) (*session.Entry, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	e, ok := c.sessions[v]
	return e, ok
}

// ForEachSession snapshots this connection's claimed sessions — used
// at teardown.
func (c *Connection) ForEachSession(fn func(*session.Entry)) {
	c.sessMu.RLock()
	snapshot := make([]*session.Entry, 0, len(c.sessions))
	for _, e := range c.sessions {
		snapshot = append(snapshot, e)
	}
	c.sessMu.RUnlock()

	for _, e := range snapshot {
		fn(e)
	}
}

// Close tears down the underlying streams and cancels the connection's
// context; it does NOT flush or hand off the handle map and sessions —
// that is the resource manager's job, serialized with command
// processing.
func (c *Connection) Close() {
	c.cancel()
	_ = c.streams.Close()
}

// release returns the Connection to the pool once the resource manager has
// finished its teardown pass. Not safe to call concurrently with any other
// method.
func (c *Connection) release() {
	c.streams = nil
	c.sessions = nil
	c.handles = nil
	pool.Put(c)
}
