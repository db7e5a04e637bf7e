package broker

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/webitel/tpm-broker/internal/adapter/audit"
	"github.com/webitel/tpm-broker/internal/device"
	"github.com/webitel/tpm-broker/internal/domain/connection"
	"github.com/webitel/tpm-broker/internal/domain/handle"
	"github.com/webitel/tpm-broker/internal/domain/session"
	"github.com/webitel/tpm-broker/internal/domain/wire"
	"github.com/webitel/tpm-broker/internal/obs"
	"github.com/webitel/tpm-broker/internal/rc"
)

// Config carries the settings that shape the resource manager's own
// behavior, as opposed to the ones the connection layer enforces
// directly (max_connections and max_transient_per_connection are
// applied by connection.Manager / handlemap.Map themselves).
type Config struct {
	// DeviceTransientCapacity bounds how many transient-object contexts
	// may be simultaneously loaded on the device across ALL connections
	// — the device's fixed slot count. It is distinct from the
	// per-connection HandleMap cap.
	DeviceTransientCapacity int

	// QueueDepth bounds the internal work queue; a full queue blocks
	// enqueuers, which is the back-pressure path to clients.
	QueueDepth int

	// RewriteContextGapMax controls whether gap-max capability replies
	// are rewritten; enabled by default — see DESIGN.md.
	RewriteContextGapMax bool

	// Audit receives a lifecycle event at connection open and teardown,
	// handle creation by CreatePrimary/StartAuthSession, session
	// save/claim (by blob)/abandon, eviction ahead of a command,
	// and SESSION_MEMORY denial. Transients created by ContextLoad,
	// sessions adopted by handle reference, and the eviction retried
	// inside reload publish no event. Defaults to a no-op dispatcher when left nil, so tests
	// and callers that don't care about the audit trail don't need to
	// wire one.
	Audit audit.Dispatcher
}

// TPM2_CAP_TPM_PROPERTIES / TPM2_PT_CONTEXT_GAP_MAX, the capability
// query the response post-processing special-cases.
const (
	capTPMProperties   uint32 = 0x00000006
	ptContextGapMax    uint32 = 0x00000213
	gapMaxRewriteValue uint32 = 0xFFFFFFFF
)

type workItem struct {
	cmd      *Command
	teardown *connection.Connection
}

// Manager is the resource manager: the process's single worker
// serializing every device access. One mailbox, one goroutine draining
// it, snapshot-based iteration for sweeps.
type Manager struct {
	log *slog.Logger

	proxy    *device.Proxy
	conns    *connection.Manager
	sessions *session.Registry
	sink     Sink
	cfg      Config

	in chan workItem

	// transientLoaded counts contexts currently resident on the device
	// across all connections, touched only by the worker goroutine so it
	// needs no synchronization of its own.
	transientLoaded int

	// lastSessionHandle feeds gap tracking: the previous session handle
	// value assigned to each connection, so the next assignment's gap
	// can be computed.
	lastSessionHandle map[uint64]uint32
}

// NewManager wires the resource manager's collaborators. It implements
// connection.Notifier so the connection manager can hand it lifecycle
// events without either package importing the other's concrete type.
func NewManager(log *slog.Logger, proxy *device.Proxy, conns *connection.Manager, sessions *session.Registry, sink Sink, cfg Config) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopDispatcher{}
	}
	return &Manager{
		log:               log,
		proxy:             proxy,
		conns:             conns,
		sessions:          sessions,
		sink:              sink,
		cfg:               cfg,
		in:                make(chan workItem, cfg.QueueDepth),
		lastSessionHandle: make(map[uint64]uint32),
	}
}

// ConnectionAdded satisfies connection.Notifier. New connections need no
// worker-serialized action; they simply become visible for lookups.
func (m *Manager) ConnectionAdded(c *connection.Connection) {
	m.log.Debug("CONNECTION_ADDED", "conn_id", c.ID())
	_ = m.cfg.Audit.Publish(context.Background(), audit.Event{Kind: audit.KindConnectionOpened, ConnID: c.ID(), Timestamp: time.Now()})
}

// ConnectionRemoved satisfies connection.Notifier, enqueuing the
// teardown pass so it is serialized with ordinary command processing
// rather than racing it.
func (m *Manager) ConnectionRemoved(c *connection.Connection) {
	m.in <- workItem{teardown: c}
}

// Enqueue hands a freshly parsed command to the worker, blocking if
// the queue is full — back-pressure that naturally rate-limits clients
// — or returning ctx's error if the caller gives up first.
func (m *Manager) Enqueue(ctx context.Context, cmd *Command) error {
	select {
	case m.in <- workItem{cmd: cmd}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the work queue until ctx is canceled. ctx.Done() is the
// shutdown sentinel, checked after every dequeue; no dummy wake-up
// message type is needed.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.in:
			if item.teardown != nil {
				m.teardownConnection(item.teardown)
				continue
			}
			resp := m.process(ctx, item.cmd.Conn, item.cmd.Buf)
			if err := m.sink.Send(ctx, &Response{Conn: item.cmd.Conn, Buf: resp}); err != nil {
				m.log.Warn("SINK_SEND_FAILED", "conn_id", item.cmd.Conn.ID(), "error", err)
			}
		}
	}
}

// heldEntry is one handle.Entry whose reference count was bumped for
// the lifetime of a single process() call; a held entry is never chosen
// for eviction.
type heldEntry struct {
	entry *handle.Entry
}

// process runs one command through parse, translate, capacity
// management, dispatch, and response rewriting. It never returns a nil
// buffer: every path produces a well-formed response buffer, synthesized
// locally when the failure never reached the device. Every call opens a
// span under obs.Tracer() so a command's handle translation, eviction,
// and device round trip show up as one unit of work in a trace, the way
// otelgrpc already auto-instruments the admin gRPC surface.
func (m *Manager) process(ctx context.Context, conn *connection.Connection, raw []byte) []byte {
	ctx, span := obs.Tracer().Start(ctx, "broker.process", trace.WithAttributes(
		attribute.Int64("conn_id", int64(conn.ID())),
	))
	defer span.End()

	// Step 1: parse header.
	buf, err := wire.New(raw)
	if err != nil {
		return malformedResponse(0)
	}

	// Step 2: look up attrs, validate declared size against handle count.
	attrs := m.proxy.Attrs().Lookup(buf.Code())
	if err := buf.ValidateHandleCount(attrs.HandleCount); err != nil {
		return malformedResponse(buf.Tag())
	}

	code := buf.Code()
	span.SetAttributes(attribute.Int64("command_code", int64(code)))
	var held []heldEntry
	release := func() {
		for _, h := range held {
			h.entry.Release()
		}
	}

	// Step 3: virtual -> physical translation, with capacity management
	// (step 4) inline wherever a reload is needed.
	for i := 0; i < attrs.HandleCount; i++ {
		vh := buf.Handle(i)
		fam := handle.FamilyOf(vh)
		if !handle.Virtualized(fam) {
			continue // permanent hierarchies, password sessions: pass through
		}

		entry, rcErr := m.resolveEntry(conn, fam, handle.Virtual(vh))
		if rcErr != rc.Success {
			release()
			return rcResponse(buf.Tag(), rcErr)
		}

		if !entry.HasPhysical() {
			if err := m.reload(ctx, conn, fam, entry); err != nil {
				release()
				m.log.Error("DEVICE_RELOAD_FAILED", "conn_id", conn.ID(), "error", err)
				return rcResponse(buf.Tag(), rc.Transport)
			}
		}

		entry.Acquire()
		held = append(held, heldEntry{entry: entry})
		buf.SetHandle(i, uint32(entry.Physical()))
	}

	// A CreatePrimary about to add a brand-new transient object also
	// needs room under the device's fixed transient cap, so capacity is
	// checked here too, not only on reload of an already-evicted entry.
	if code == device.CCCreatePrimary {
		if err := m.ensureTransientCapacity(ctx, conn); err != nil {
			release()
			m.log.Error("DEVICE_CAPACITY_EXHAUSTED", "conn_id", conn.ID(), "error", err)
			return rcResponse(buf.Tag(), rc.ObjectMemory)
		}
	}

	// Steps 5-6: send under the device mutex (the Proxy owns that lock).
	respRaw, err := m.proxy.RawSend(ctx, buf.Bytes())
	if err != nil {
		release()
		m.log.Error("DEVICE_TRANSPORT_ERROR", "conn_id", conn.ID(), "error", err)
		return rcResponse(buf.Tag(), rc.Transport)
	}

	respBuf, err := wire.New(respRaw)
	if err != nil {
		release()
		return rcResponse(buf.Tag(), rc.GeneralFailure)
	}

	if respBuf.Code() != 0 {
		// Device error: pass through verbatim, still releasing claims.
		release()
		return respBuf.Bytes()
	}

	// Step 7: physical -> virtual translation and command-specific
	// post-processing.
	m.postProcess(ctx, conn, code, buf, respBuf, held)

	// Step 8: release holds taken in step 3.
	release()

	return respBuf.Bytes()
}

// resolveEntry finds the HandleMapEntry or SessionEntry a referenced
// handle names, adopting it from the global session registry if this
// connection doesn't already own it.
func (m *Manager) resolveEntry(conn *connection.Connection, fam handle.Family, v handle.Virtual) (*handle.Entry, rc.Code) {
	if handle.IsSession(fam) {
		if e, ok := conn.LookupSession(v); ok {
			return e.Entry, rc.Success
		}
		if e, ok := m.sessions.Lookup(v); ok {
			if _, owned := e.Owner(); owned {
				// Another live connection's session is invisible here.
				return nil, rc.NotFound
			}
			m.sessions.Detach(e)
			e.SetOwner(conn.ID())
			conn.ClaimSession(e)
			return e.Entry, rc.Success
		}
		return nil, rc.NotFound
	}

	e, ok := conn.Handles().Lookup(v)
	if !ok {
		return nil, rc.NotFound
	}
	return e, rc.Success
}

// reload brings an evicted entry's context back onto the device,
// running capacity management first when the entry is a transient
// object.
func (m *Manager) reload(ctx context.Context, conn *connection.Connection, fam handle.Family, entry *handle.Entry) error {
	if !handle.IsSession(fam) {
		if err := m.ensureTransientCapacity(ctx, conn); err != nil {
			return err
		}
	}

	phys, err := m.proxy.ContextLoad(ctx, entry.Blob())
	if err != nil {
		// One more eviction attempt before surfacing: the device may hold
		// more contexts than the loaded-transient counter knows about
		// (e.g. after a partial teardown), so free a slot and retry once.
		victim := m.pickEvictionVictim(conn)
		if victim == nil {
			return err
		}
		blob, evictErr := m.proxy.SaveThenFlush(ctx, victim.Physical())
		if evictErr != nil {
			return err
		}
		victim.MarkEvicted(blob)
		m.abortOnInvariantViolation(victim)
		m.transientLoaded--
		phys, err = m.proxy.ContextLoad(ctx, entry.Blob())
		if err != nil {
			return err
		}
	}
	entry.MarkLoaded(phys)
	m.abortOnInvariantViolation(entry)
	if !handle.IsSession(fam) {
		m.transientLoaded++
	}
	return nil
}

// abortOnInvariantViolation checks the entry's "exactly one of
// physical_valid, blob_valid" invariant after every mutation that can
// break it. A violation means the broker's own bookkeeping has diverged
// from device reality; continuing on corrupted state is worse than
// stopping, so the process exits.
func (m *Manager) abortOnInvariantViolation(entry *handle.Entry) {
	if err := entry.CheckInvariant(); err != nil {
		m.log.Error("HANDLE_INVARIANT_VIOLATED", "error", err)
		os.Exit(1)
	}
}

// ensureTransientCapacity evicts non-referenced transient entries via
// save-then-flush until there is room for one more load. Eviction
// policy: the eligible entry with the smallest virtual handle value —
// deterministic, and oldest-first since allocation is monotonic modulo
// wraparound.
func (m *Manager) ensureTransientCapacity(ctx context.Context, current *connection.Connection) error {
	for m.transientLoaded >= m.cfg.DeviceTransientCapacity {
		victim := m.pickEvictionVictim(current)
		if victim == nil {
			return fmt.Errorf("broker: device transient capacity reached, no evictable entry")
		}
		blob, err := m.proxy.SaveThenFlush(ctx, victim.Physical())
		if err != nil {
			return fmt.Errorf("broker: eviction save_then_flush failed: %w", err)
		}
		evictedVirtual := victim.Virtual()
		victim.MarkEvicted(blob)
		m.abortOnInvariantViolation(victim)
		m.transientLoaded--
		_ = m.cfg.Audit.Publish(ctx, audit.Event{Kind: audit.KindHandleEvicted, Virtual: uint32(evictedVirtual), Timestamp: time.Now()})
	}
	return nil
}

// pickEvictionVictim scans every live connection's transient HandleMap
// for a currently-loaded, unreferenced entry, over ForEach snapshots.
func (m *Manager) pickEvictionVictim(_ *connection.Connection) *handle.Entry {
	var candidates []*handle.Entry
	m.conns.ForEach(func(c *connection.Connection) {
		c.Handles().ForEach(func(e *handle.Entry) {
			if e.HasPhysical() && !e.Referenced() {
				candidates = append(candidates, e)
			}
		})
	})
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Virtual() < candidates[j].Virtual() })
	return candidates[0]
}

// postProcess applies the command-specific rewrites to a successful
// response. held lists the translated entries in handle-area order,
// skipping non-virtualized handles, so held[0] is the entry behind the
// first translated handle (for the single-handle ContextSave and
// FlushContext, the command's only handle).
func (m *Manager) postProcess(ctx context.Context, conn *connection.Connection, code uint32, cmdBuf, respBuf *wire.Buffer, held []heldEntry) {
	switch code {
	case device.CCCreatePrimary, device.CCStartAuthSession:
		m.handleCreate(ctx, conn, code, respBuf)
	case device.CCContextSave:
		m.handleContextSave(ctx, held, respBuf)
	case device.CCContextLoad:
		m.handleContextLoad(ctx, conn, cmdBuf, respBuf)
	case device.CCFlushContext:
		m.handleFlush(conn, held)
	case device.CCGetCapability:
		if m.cfg.RewriteContextGapMax {
			rewriteGapMax(cmdBuf, respBuf)
		}
	}
}

// handleCreate allocates a fresh virtual handle for a device-assigned
// physical handle returned at the start of the response body
// (CreatePrimary, StartAuthSession).
func (m *Manager) handleCreate(ctx context.Context, conn *connection.Connection, code uint32, respBuf *wire.Buffer) {
	if err := respBuf.ValidateHandleCount(1); err != nil {
		return
	}
	phys := handle.Physical(respBuf.Handle(0))

	if code == device.CCStartAuthSession {
		v := handle.Virtual(uint32(phys)) // sessions are not renumbered
		entry := session.NewEntry(v, phys, conn.ID())
		if err := m.sessions.Insert(entry); err != nil {
			// SESSION_MEMORY: caller already committed the device-side
			// session; flush it back off immediately so we don't leak a
			// device slot for a session the client can never reach.
			_ = m.proxy.FlushContext(phys)
			respBuf.SetCode(uint32(rc.SessionMemory))
			_ = m.cfg.Audit.Publish(ctx, audit.Event{Kind: audit.KindSessionMemoryDenied, ConnID: conn.ID(), Timestamp: time.Now()})
			return
		}
		conn.ClaimSession(entry)
		if prev, ok := m.lastSessionHandle[conn.ID()]; ok {
			gap := uint32(v) - prev
			m.sessions.ObserveGap(conn.ID(), gap)
		}
		m.lastSessionHandle[conn.ID()] = uint32(v)
		respBuf.SetHandle(0, uint32(v))
		_ = m.cfg.Audit.Publish(ctx, audit.Event{Kind: audit.KindHandleCreated, ConnID: conn.ID(), Virtual: uint32(v), Timestamp: time.Now()})
		return
	}

	v, err := conn.Handles().NextVirtual()
	if err != nil {
		_ = m.proxy.FlushContext(phys)
		respBuf.SetCode(uint32(rc.ObjectMemory))
		return
	}
	entry := handle.NewTransient(v, phys)
	if err := conn.Handles().Insert(entry); err != nil {
		_ = m.proxy.FlushContext(phys)
		respBuf.SetCode(uint32(rc.ObjectMemory))
		return
	}
	m.transientLoaded++
	respBuf.SetHandle(0, uint32(v))
	_ = m.cfg.Audit.Publish(ctx, audit.Event{Kind: audit.KindHandleCreated, ConnID: conn.ID(), Virtual: uint32(v), Timestamp: time.Now()})
}

// handleContextSave stores the returned blob on the entry the command
// referenced, treating the save as an eviction, and transitions a
// session entry to SAVED_BY_CLIENT.
func (m *Manager) handleContextSave(ctx context.Context, held []heldEntry, respBuf *wire.Buffer) {
	if len(held) == 0 {
		return
	}
	entry := held[0].entry
	phys := entry.Physical()
	blob := append([]byte(nil), respBuf.BodyAfterHandles(0)...)
	entry.MarkEvicted(blob) // clears physical, installs the blob
	m.abortOnInvariantViolation(entry)

	if entry.Kind() == handle.KindSession {
		// The device retires a session's loaded slot on save by itself;
		// only the bookkeeping transition is needed here.
		entry.SetState(handle.StateSavedByClient)
		_ = m.cfg.Audit.Publish(ctx, audit.Event{Kind: audit.KindSessionSaved, Virtual: uint32(entry.Virtual()), Timestamp: time.Now()})
		return
	}

	// A transient object's device copy survives its own save. The entry
	// is now tracked as evicted (blob valid, no physical), so flush the
	// device copy too — otherwise it would occupy a device slot nothing
	// in the broker can ever reclaim. A later reference reloads from the
	// blob transparently.
	if err := m.proxy.FlushContext(phys); err != nil {
		m.log.Warn("SAVE_FLUSH_FAILED", "handle", entry.Virtual(), "error", err)
	}
	m.transientLoaded--
}

// handleContextLoad implements blob adoption: the command's body (not
// its handle area, which is
// empty per the fallback attrs table) carries the blob to reload. If the
// blob matches an abandoned session in the registry, its original
// virtual handle is reused and ownership transfers to conn. Otherwise a
// fresh transient entry is allocated, mirroring handleCreate.
func (m *Manager) handleContextLoad(ctx context.Context, conn *connection.Connection, cmdBuf, respBuf *wire.Buffer) {
	if respBuf.ValidateHandleCount(1) != nil {
		return
	}
	phys := handle.Physical(respBuf.Handle(0))
	blob := cmdBuf.BodyAfterHandles(0)

	if entry, err := m.sessions.Claim(blob, conn.ID()); err == nil {
		entry.MarkLoaded(phys)
		m.abortOnInvariantViolation(entry.Entry)
		conn.ClaimSession(entry)
		respBuf.SetHandle(0, uint32(entry.Virtual()))
		_ = m.cfg.Audit.Publish(ctx, audit.Event{Kind: audit.KindSessionClaimed, ConnID: conn.ID(), Virtual: uint32(entry.Virtual()), Timestamp: time.Now()})
		return
	}

	v, err := conn.Handles().NextVirtual()
	if err != nil {
		_ = m.proxy.FlushContext(phys)
		respBuf.SetCode(uint32(rc.ObjectMemory))
		return
	}
	entry := handle.NewTransient(v, phys)
	if err := conn.Handles().Insert(entry); err != nil {
		_ = m.proxy.FlushContext(phys)
		respBuf.SetCode(uint32(rc.ObjectMemory))
		return
	}
	m.transientLoaded++
	respBuf.SetHandle(0, uint32(v))
}

// handleFlush marks the referenced entry's physical handle cleared and
// discards it outright — flush of a transient object is destructive.
func (m *Manager) handleFlush(conn *connection.Connection, held []heldEntry) {
	if len(held) == 0 {
		return
	}
	entry := held[0].entry
	if entry.Kind() == handle.KindSession {
		conn.ReleaseSession(entry.Virtual())
		m.sessions.Remove(entry.Virtual())
	} else {
		conn.Handles().Remove(entry.Virtual())
		m.transientLoaded--
	}
}

// rewriteGapMax: a
// TPM2_PT_CONTEXT_GAP_MAX capability reply has its native (narrow) value
// rewritten to the maximum representable 32-bit value, hiding the
// device's internal gap bookkeeping from clients. Response body layout
// after the header: `moreData:u8 | capability:u32 | count:u32 |
// (property:u32 value:u32)*count`. All other property bytes are left
// byte-for-byte unchanged.
func rewriteGapMax(cmdBuf, respBuf *wire.Buffer) {
	cmdBody := cmdBuf.BodyAfterHandles(0)
	if len(cmdBody) < 12 {
		return
	}
	capability := binary.BigEndian.Uint32(cmdBody[0:])
	if capability != capTPMProperties {
		return
	}

	body := respBuf.BodyAfterHandles(0)
	if len(body) < 9 {
		return
	}
	count := binary.BigEndian.Uint32(body[5:9])
	const recLen = 8
	for i := uint32(0); i < count; i++ {
		off := 9 + int(i)*recLen
		if off+recLen > len(body) {
			return
		}
		property := binary.BigEndian.Uint32(body[off:])
		if property == ptContextGapMax {
			binary.BigEndian.PutUint32(body[off+4:], gapMaxRewriteValue)
			return
		}
	}
}

// teardownConnection flushes or hands off everything a dead connection
// owned, run inside the worker so it is serialized with ordinary
// command processing.
func (m *Manager) teardownConnection(c *connection.Connection) {
	c.Handles().ForEach(func(e *handle.Entry) {
		if e.HasPhysical() {
			if err := m.proxy.FlushContext(e.Physical()); err != nil {
				m.log.Warn("TEARDOWN_FLUSH_FAILED", "conn_id", c.ID(), "handle", e.Virtual(), "error", err)
			}
			m.transientLoaded--
		}
	})

	c.ForEachSession(func(e *session.Entry) {
		if e.State() == handle.StateSavedByClient {
			if err := m.sessions.Abandon(e); err != nil {
				m.log.Error("SESSION_ABANDON_FAILED", "conn_id", c.ID(), "handle", e.Virtual(), "error", err)
			} else {
				_ = m.cfg.Audit.Publish(context.Background(), audit.Event{Kind: audit.KindSessionAbandoned, ConnID: c.ID(), Virtual: uint32(e.Virtual()), Timestamp: time.Now()})
			}
			return
		}
		if e.HasPhysical() {
			if err := m.proxy.FlushContext(e.Physical()); err != nil {
				m.log.Warn("TEARDOWN_FLUSH_FAILED", "conn_id", c.ID(), "handle", e.Virtual(), "error", err)
			}
		}
		m.sessions.Remove(e.Virtual())
	})

	delete(m.lastSessionHandle, c.ID())

	_ = m.cfg.Audit.Publish(context.Background(), audit.Event{Kind: audit.KindConnectionClosed, ConnID: c.ID(), Timestamp: time.Now()})

	c.Close()
	connection.Finalize(c)
}
