package broker_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/webitel/tpm-broker/internal/broker"
	"github.com/webitel/tpm-broker/internal/device"
	"github.com/webitel/tpm-broker/internal/device/echo"
	"github.com/webitel/tpm-broker/internal/domain/connection"
	"github.com/webitel/tpm-broker/internal/domain/session"
	"github.com/webitel/tpm-broker/internal/domain/wire"
	"github.com/webitel/tpm-broker/internal/rc"
)

// fakeDevice is a minimal in-memory TPM stand-in: it hands out
// monotonically increasing physical handles per family and encodes
// context blobs as the 4 raw bytes of the physical handle they name, just
// enough to exercise save/load round-trips without real crypto.
type fakeDevice struct {
	nextTransient uint32
	nextSession   uint32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{nextTransient: 0x80000001, nextSession: 0x02000001}
}

func (d *fakeDevice) respond(cmd []byte) []byte {
	code := binary.BigEndian.Uint32(cmd[6:10])
	switch code {
	case device.CCCreatePrimary:
		phys := d.nextTransient
		d.nextTransient++
		return echo.ResponseHeader(0x8001, 0, beBytes(phys)...)
	case device.CCStartAuthSession:
		phys := d.nextSession
		d.nextSession++
		return echo.ResponseHeader(0x8001, 0, beBytes(phys)...)
	case device.CCContextSave:
		phys := binary.BigEndian.Uint32(cmd[10:14])
		return echo.ResponseHeader(0x8001, 0, beBytes(phys)...)
	case device.CCContextLoad:
		phys := binary.BigEndian.Uint32(cmd[10:14])
		return echo.ResponseHeader(0x8001, 0, beBytes(phys)...)
	case device.CCFlushContext:
		return echo.ResponseHeader(0x8001, 0)
	case device.CCGetCapability:
		body := make([]byte, 17)
		binary.BigEndian.PutUint32(body[1:5], 0x00000006) // TPM2_CAP_TPM_PROPERTIES
		binary.BigEndian.PutUint32(body[5:9], 1)
		binary.BigEndian.PutUint32(body[9:13], 0x00000213) // TPM2_PT_CONTEXT_GAP_MAX
		binary.BigEndian.PutUint32(body[13:17], 0x000000FF)
		return echo.ResponseHeader(0x8001, 0, body...)
	default:
		return echo.ResponseHeader(0x8001, 0)
	}
}

func beBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

type fakeStreams struct{ *bytes.Buffer }

func (f fakeStreams) Close() error { return nil }

func newFakeStreams() connection.Streams { return fakeStreams{&bytes.Buffer{}} }

// notifierAdapter breaks the construction cycle between connection.Manager
// (which needs a Notifier at construction) and broker.Manager (which
// needs the connection.Manager it will be notified by).
type notifierAdapter struct{ target **broker.Manager }

func (n notifierAdapter) ConnectionAdded(c *connection.Connection)   { (*n.target).ConnectionAdded(c) }
func (n notifierAdapter) ConnectionRemoved(c *connection.Connection) { (*n.target).ConnectionRemoved(c) }

type recordingSink struct{ ch chan *broker.Response }

func (s *recordingSink) Send(ctx context.Context, resp *broker.Response) error {
	select {
	case s.ch <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, transientCapacity, sessionCapacity int) (*broker.Manager, *connection.Manager, *session.Registry, *fakeDevice, *recordingSink, context.Context) {
	t.Helper()
	fd := newFakeDevice()
	transport := echo.New(fd.respond)
	proxy := device.NewProxy("test", transport)
	proxy.Attrs().PopulateFallback()

	sink := &recordingSink{ch: make(chan *broker.Response, 16)}

	var mgr *broker.Manager
	conns := connection.NewManager(10, notifierAdapter{&mgr})
	registry := session.NewRegistry(sessionCapacity, 2, proxy)

	mgr = broker.NewManager(discardLogger(), proxy, conns, registry, sink, broker.Config{
		DeviceTransientCapacity: transientCapacity,
		RewriteContextGapMax:    true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.Run(ctx)

	return mgr, conns, registry, fd, sink, ctx
}

func buildCommand(code uint32, handles []uint32, body []byte) []byte {
	total := wire.HeaderLen + 4*len(handles) + len(body)
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:], 0x8001)
	binary.BigEndian.PutUint32(buf[2:], uint32(total))
	binary.BigEndian.PutUint32(buf[6:], code)
	off := wire.HeaderLen
	for _, h := range handles {
		binary.BigEndian.PutUint32(buf[off:], h)
		off += 4
	}
	copy(buf[off:], body)
	return buf
}

func sendAndWait(t *testing.T, ctx context.Context, mgr *broker.Manager, conn *connection.Connection, sink *recordingSink, cmd []byte) *wire.Buffer {
	t.Helper()
	if err := mgr.Enqueue(ctx, &broker.Command{Conn: conn, Buf: cmd}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case resp := <-sink.ch:
		buf, err := wire.New(resp.Buf)
		if err != nil {
			t.Fatalf("response too short: %v", err)
		}
		return buf
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func TestCreateSaveCloseClaim(t *testing.T) {
	mgr, conns, registry, _, sink, ctx := newTestManager(t, 8, 10)

	streamsA := newFakeStreams()
	connA := connection.New(ctx, streamsA, 0x80000000, 8)
	if err := conns.Insert(connA, streamsA); err != nil {
		t.Fatalf("insert connA: %v", err)
	}

	start := buildCommand(device.CCStartAuthSession, []uint32{0x40000001, 0x40000002}, nil)
	resp := sendAndWait(t, ctx, mgr, connA, sink, start)
	if resp.Code() != 0 {
		t.Fatalf("StartAuthSession code = 0x%x, want 0", resp.Code())
	}
	v1 := resp.Handle(0)

	save := buildCommand(device.CCContextSave, []uint32{v1}, nil)
	resp = sendAndWait(t, ctx, mgr, connA, sink, save)
	if resp.Code() != 0 {
		t.Fatalf("ContextSave code = 0x%x, want 0", resp.Code())
	}
	blob := append([]byte(nil), resp.BodyAfterHandles(0)...)

	if _, ok := conns.Remove(connA.ID()); !ok {
		t.Fatalf("Remove connA: not found")
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.AbandonedLen() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.AbandonedLen() != 1 {
		t.Fatalf("AbandonedLen = %d, want 1", registry.AbandonedLen())
	}

	streamsB := newFakeStreams()
	connB := connection.New(ctx, streamsB, 0x80010000, 8)
	if err := conns.Insert(connB, streamsB); err != nil {
		t.Fatalf("insert connB: %v", err)
	}

	load := buildCommand(device.CCContextLoad, nil, blob)
	resp = sendAndWait(t, ctx, mgr, connB, sink, load)
	if resp.Code() != 0 {
		t.Fatalf("ContextLoad code = 0x%x, want 0", resp.Code())
	}
	if resp.Handle(0) != v1 {
		t.Fatalf("reclaimed virtual handle = 0x%x, want 0x%x", resp.Handle(0), v1)
	}
}

func TestTransientOverSubscriptionEvictsAndReloads(t *testing.T) {
	mgr, conns, _, _, sink, ctx := newTestManager(t, 2, 10)

	streams := newFakeStreams()
	conn := connection.New(ctx, streams, 0x80000000, 8)
	if err := conns.Insert(conn, streams); err != nil {
		t.Fatalf("insert: %v", err)
	}

	create := func() uint32 {
		cmd := buildCommand(device.CCCreatePrimary, []uint32{0x40000001}, nil)
		resp := sendAndWait(t, ctx, mgr, conn, sink, cmd)
		if resp.Code() != 0 {
			t.Fatalf("CreatePrimary code = 0x%x, want 0", resp.Code())
		}
		return resp.Handle(0)
	}

	pv := create()
	create()
	create() // capacity 2: this forces PV's entry to be evicted internally

	save := buildCommand(device.CCContextSave, []uint32{pv}, nil)
	resp := sendAndWait(t, ctx, mgr, conn, sink, save)
	if resp.Code() != 0 {
		t.Fatalf("ContextSave on evicted handle code = 0x%x, want 0 (transparent reload)", resp.Code())
	}
}

func TestShortBufferIsMalformed(t *testing.T) {
	mgr, conns, _, _, sink, ctx := newTestManager(t, 8, 10)

	streams := newFakeStreams()
	conn := connection.New(ctx, streams, 0x80000000, 8)
	if err := conns.Insert(conn, streams); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cmd := buildCommand(device.CCContextSave, nil, nil) // declares 0 handles, needs 1
	resp := sendAndWait(t, ctx, mgr, conn, sink, cmd)
	if resp.Code() != uint32(rc.Malformed) {
		t.Fatalf("code = 0x%x, want MALFORMED", resp.Code())
	}
}

func TestCapabilityGapMaxRewrite(t *testing.T) {
	mgr, conns, _, _, sink, ctx := newTestManager(t, 8, 10)

	streams := newFakeStreams()
	conn := connection.New(ctx, streams, 0x80000000, 8)
	if err := conns.Insert(conn, streams); err != nil {
		t.Fatalf("insert: %v", err)
	}

	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:], 0x00000006) // TPM2_CAP_TPM_PROPERTIES
	binary.BigEndian.PutUint32(body[4:], 0x00000213)  // TPM2_PT_CONTEXT_GAP_MAX
	binary.BigEndian.PutUint32(body[8:], 1)
	cmd := buildCommand(device.CCGetCapability, nil, body)

	resp := sendAndWait(t, ctx, mgr, conn, sink, cmd)
	if resp.Code() != 0 {
		t.Fatalf("GetCapability code = 0x%x, want 0", resp.Code())
	}
	respBody := resp.BodyAfterHandles(0)
	gotValue := binary.BigEndian.Uint32(respBody[13:17])
	if gotValue != 0xFFFFFFFF {
		t.Fatalf("gap-max value = 0x%x, want 0xFFFFFFFF", gotValue)
	}
}

func TestSessionMaxReturnsSessionMemory(t *testing.T) {
	mgr, conns, _, _, sink, ctx := newTestManager(t, 8, 1)

	streams := newFakeStreams()
	conn := connection.New(ctx, streams, 0x80000000, 8)
	if err := conns.Insert(conn, streams); err != nil {
		t.Fatalf("insert: %v", err)
	}

	start := buildCommand(device.CCStartAuthSession, []uint32{0x40000001, 0x40000002}, nil)
	first := sendAndWait(t, ctx, mgr, conn, sink, start)
	if first.Code() != 0 {
		t.Fatalf("first StartAuthSession code = 0x%x, want 0", first.Code())
	}

	second := sendAndWait(t, ctx, mgr, conn, sink, start)
	if second.Code() != uint32(rc.SessionMemory) {
		t.Fatalf("second StartAuthSession code = 0x%x, want SESSION_MEMORY", second.Code())
	}
}

func TestDoubleFlushReturnsNotFound(t *testing.T) {
	mgr, conns, _, _, sink, ctx := newTestManager(t, 8, 10)

	streams := newFakeStreams()
	conn := connection.New(ctx, streams, 0x80000000, 8)
	if err := conns.Insert(conn, streams); err != nil {
		t.Fatalf("insert: %v", err)
	}

	create := buildCommand(device.CCCreatePrimary, []uint32{0x40000001}, nil)
	resp := sendAndWait(t, ctx, mgr, conn, sink, create)
	if resp.Code() != 0 {
		t.Fatalf("CreatePrimary code = 0x%x, want 0", resp.Code())
	}
	v := resp.Handle(0)

	flush := buildCommand(device.CCFlushContext, []uint32{v}, nil)
	resp = sendAndWait(t, ctx, mgr, conn, sink, flush)
	if resp.Code() != 0 {
		t.Fatalf("first FlushContext code = 0x%x, want 0", resp.Code())
	}

	// Flush is destructive: the entry is gone and a repeat must be a
	// clean handle-not-found, not corruption. Rebuilt because the broker
	// rewrites the enqueued buffer in place during translation.
	flush2 := buildCommand(device.CCFlushContext, []uint32{v}, nil)
	resp = sendAndWait(t, ctx, mgr, conn, sink, flush2)
	if resp.Code() != uint32(rc.NotFound) {
		t.Fatalf("second FlushContext code = 0x%x, want NOT_FOUND", resp.Code())
	}
}

func TestFIFOPerConnection(t *testing.T) {
	mgr, conns, _, _, sink, ctx := newTestManager(t, 8, 10)

	streams := newFakeStreams()
	conn := connection.New(ctx, streams, 0x80000000, 8)
	if err := conns.Insert(conn, streams); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 3; i++ {
		cmd := buildCommand(device.CCCreatePrimary, []uint32{0x40000001}, nil)
		if err := mgr.Enqueue(ctx, &broker.Command{Conn: conn, Buf: cmd}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	var got []uint32
	for i := 0; i < 3; i++ {
		select {
		case resp := <-sink.ch:
			buf, err := wire.New(resp.Buf)
			if err != nil {
				t.Fatalf("bad response: %v", err)
			}
			got = append(got, buf.Handle(0))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for response")
		}
	}

	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("responses out of order: %v", got)
		}
	}
}

var _ io.ReadWriteCloser = fakeStreams{}
