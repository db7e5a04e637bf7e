// Package wsconn is a concrete client connection factory: it upgrades
// incoming HTTP requests to websockets and turns each one into a
// connection.Connection the resource manager can dispatch commands for
// — an upgrade-then-pump-loop, with opaque TPM command buffers as the
// payload.
package wsconn

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/webitel/tpm-broker/internal/broker"
	"github.com/webitel/tpm-broker/internal/domain/connection"
	"github.com/webitel/tpm-broker/internal/domain/handle"
)

// wsStreams adapts *websocket.Conn to connection.Streams by treating each
// websocket message as one opaque frame: Read drains one pending message
// at a time into the caller's buffer, and Write sends p as a single
// binary message, matching how the wire format already delimits whole
// commands/responses without needing its own length prefix on top.
type wsStreams struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
}

func newWSStreams(conn *websocket.Conn) *wsStreams {
	return &wsStreams{conn: conn}
}

func (s *wsStreams) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.pending) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.pending = data
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStreams) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStreams) Close() error {
	return s.conn.Close()
}

var _ connection.Streams = (*wsStreams)(nil)

// Handler upgrades HTTP requests to websockets and registers each one
// as a connection.Connection, then pumps inbound frames into the
// resource manager until the socket closes.
type Handler struct {
	log          *slog.Logger
	upgrader     websocket.Upgrader
	conns        *connection.Manager
	mgr          *broker.Manager
	maxTransient int

	// connIndex hands out the per-connection virtual-handle base offset,
	// so concurrently open connections get separate sub-ranges even though
	// both count transient handles from 1 conceptually, until the index
	// wraps (see nextHandleBase).
	connIndex uint64
}

// NewHandler builds the websocket connection factory. maxTransient is
// the per-connection transient HandleMap capacity
// (max_transient_per_connection), also used to size each connection's
// virtual-handle sub-range within the Transient family.
func NewHandler(log *slog.Logger, conns *connection.Manager, mgr *broker.Manager, maxTransient int) *Handler {
	return &Handler{
		log:          log,
		conns:        conns,
		mgr:          mgr,
		maxTransient: maxTransient,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("WS_UPGRADE_FAILED", "error", err)
		return
	}

	streams := newWSStreams(ws)
	base := nextHandleBase(atomic.AddUint64(&h.connIndex, 1)-1, h.maxTransient)
	conn := connection.New(r.Context(), streams, base, h.maxTransient)

	if err := h.conns.Insert(conn, streams); err != nil {
		h.log.Warn("WS_CONNECTION_REJECTED", "error", err)
		_ = streams.Close()
		return
	}
	h.log.Info("WS_CONNECTION_OPENED", "conn_id", conn.ID())

	h.pump(conn, streams)
}

// pump reads whole command frames off the socket and enqueues them,
// blocking on the resource manager's bounded queue (back-pressure
// propagates to the socket read loop, not past it). It returns once the
// socket errors or closes, then removes the connection so the resource
// manager can run its teardown pass.
func (h *Handler) pump(conn *connection.Connection, streams *wsStreams) {
	defer func() {
		if _, ok := h.conns.Remove(conn.ID()); ok {
			h.log.Info("WS_CONNECTION_CLOSED", "conn_id", conn.ID())
		}
	}()

	ctx := conn.Context()
	buf := make([]byte, 64*1024)
	for {
		n, err := streams.Read(buf)
		if err != nil {
			return
		}
		cmd := append([]byte(nil), buf[:n]...)
		if err := h.mgr.Enqueue(ctx, &broker.Command{Conn: conn, Buf: cmd}); err != nil {
			return
		}
	}
}

// Sink implements broker.Sink generically for every transport: Response
// already carries the originating Connection, and Connection.Write
// already delegates to whatever Streams backs it, so nothing here is
// websocket-specific.
type Sink struct{}

func (Sink) Send(ctx context.Context, resp *broker.Response) error {
	_, err := resp.Conn.Write(resp.Buf)
	return err
}

// nextHandleBase computes connection index's virtual-handle base inside
// the Transient family: family byte 0x80 followed by a sub-range of size
// maxTransient per connection. The index wraps after
// 0x00FFFFFF/maxTransient sub-ranges so every handle stays below the
// family byte's boundary; a connection whose index wrapped reuses the
// sub-range of an earlier connection.
func nextHandleBase(index uint64, maxTransient int) handle.Virtual {
	const transientFamilyBase = uint32(handle.Transient) << 24
	slots := uint64(0x00FFFFFF) / uint64(maxTransient)
	return handle.Virtual(transientFamilyBase + uint32(index%slots)*uint32(maxTransient))
}
