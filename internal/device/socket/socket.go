// Package socket is the real device.Transport: a framed byte stream
// over a net.Conn (TCP to a TPM simulator, or a unix socket to a local
// resident tpm2d), built on device.ReadFramed/StateTracker for the
// shared framing/sequencing logic every concrete transport reuses.
package socket

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/webitel/tpm-broker/internal/device"
	"github.com/webitel/tpm-broker/internal/domain/wire"
)

// Transport is a device.Transport backed by a dialed net.Conn. Commands
// and responses use the same tag|size|code|handles framing
// internal/domain/wire parses, so the declared size field at
// wire.OffsetSize doubles as this transport's frame length.
type Transport struct {
	*device.StateTracker

	conn        net.Conn
	dialTimeout time.Duration
}

// Dial opens network to address and wraps it as a device.Transport.
// network/address follow net.Dial's own conventions ("tcp",
// "host:port", or "unix", "/path/to/socket").
func Dial(ctx context.Context, network, address string, dialTimeout time.Duration) (*Transport, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s %s: %w", network, address, err)
	}
	return &Transport{StateTracker: &device.StateTracker{}, conn: conn, dialTimeout: dialTimeout}, nil
}

func (t *Transport) Transmit(ctx context.Context, buf []byte) error {
	if err := t.BeginTransmit(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", device.TransportIO, err)
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := t.BeginReceive(); err != nil {
		return nil, err
	}
	defer t.EndReceive()

	if timeout == device.BlockIndefinitely {
		_ = t.conn.SetReadDeadline(time.Time{})
	} else {
		_ = t.conn.SetReadDeadline(timeNow().Add(timeout))
	}

	readFull := func(_ context.Context, n int) ([]byte, error) {
		buf := make([]byte, n)
		if _, err := readFullFrom(t.conn, buf); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, device.TransportTimeout
			}
			return nil, fmt.Errorf("%w: %v", device.TransportIO, err)
		}
		return buf, nil
	}

	return device.ReadFramed(ctx, readFull, wire.HeaderLen, func(header []byte) int {
		return int(binary.BigEndian.Uint32(header[wire.OffsetSize:]))
	})
}

// Cancel is not supported over a plain stream socket: there is no
// out-of-band channel to interrupt an in-flight Receive, so it reports
// ErrNotImplemented.
func (t *Transport) Cancel() error { return device.ErrNotImplemented }

func (t *Transport) SetLocality(uint8) error { return device.ErrNotImplemented }

func (t *Transport) Finalize() error {
	t.StateTracker.Finalize()
	return t.conn.Close()
}

func readFullFrom(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// timeNow is a seam so tests could fake the clock; production always
// uses the real one.
var timeNow = time.Now
