// Package echo provides a deterministic in-memory fake Transport: it
// loops back whatever is transmitted, letting tests drive the broker
// without a real device.
package echo

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/webitel/tpm-broker/internal/device"
)

// Responder lets a test script decide what comes back for a given
// transmitted buffer, instead of a pure loopback — most broker tests need
// a specific response code/handle, not an echo of the command.
type Responder func(cmd []byte) []byte

// Transport is the fake device transport.
type Transport struct {
	*device.StateTracker

	respond Responder
	pending []byte
	cancels int
}

// New builds an echo transport. If respond is nil, Receive returns the
// most recently transmitted buffer unchanged (true loopback).
func New(respond Responder) *Transport {
	return &Transport{StateTracker: &device.StateTracker{}, respond: respond}
}

func (t *Transport) Transmit(_ context.Context, buf []byte) error {
	if err := t.BeginTransmit(); err != nil {
		return err
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	t.pending = cp
	return nil
}

func (t *Transport) Receive(_ context.Context, _ time.Duration) ([]byte, error) {
	if err := t.BeginReceive(); err != nil {
		return nil, err
	}
	defer t.EndReceive()

	if t.pending == nil {
		return nil, fmt.Errorf("echo: receive with nothing pending")
	}
	var out []byte
	if t.respond != nil {
		out = t.respond(t.pending)
	} else {
		out = t.pending
	}
	t.pending = nil
	return out, nil
}

func (t *Transport) Cancel() error {
	t.cancels++
	return nil
}

func (t *Transport) SetLocality(uint8) error { return nil }

func (t *Transport) Finalize() error {
	t.StateTracker.Finalize()
	return nil
}

// Cancels reports how many times Cancel was invoked, for tests asserting
// on cancellation behavior.
func (t *Transport) Cancels() int { return t.cancels }

// ResponseHeader is a small helper for test Responders to build a minimal
// `tag|size|code` reply followed by extra as its body, mirroring internal/domain/wire's
// layout without importing it (keeping this package dependency-light).
func ResponseHeader(tag uint16, code uint32, extra ...byte) []byte {
	buf := make([]byte, 10+len(extra))
	binary.BigEndian.PutUint16(buf[0:], tag)
	binary.BigEndian.PutUint32(buf[2:], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[6:], code)
	copy(buf[10:], extra)
	return buf
}
