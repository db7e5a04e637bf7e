// Package device implements the broker's single transport to the
// device, the Device proxy that serializes typed commands over it, and
// the one-time command-attrs query.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TransportRc is the transport-layer error namespace, distinct from
// both device and broker response codes.
type TransportRc int

const (
	TransportOK TransportRc = iota
	TransportBadSequence
	TransportIO
	TransportTimeout
	TransportNotImplemented
)

func (rc TransportRc) Error() string {
	switch rc {
	case TransportBadSequence:
		return "transport: bad sequence"
	case TransportIO:
		return "transport: io error"
	case TransportTimeout:
		return "transport: timeout"
	case TransportNotImplemented:
		return "transport: not implemented"
	default:
		return "transport: ok"
	}
}

// BlockIndefinitely is the sentinel Receive timeout meaning "wait
// forever".
const BlockIndefinitely time.Duration = -1

// state is the Transport's own READY/SENT/FINAL state machine:
// Transmit in SENT or Receive in READY is a BAD_SEQUENCE.
type state int

const (
	stateReady state = iota
	stateSent
	stateFinal
)

// Transport is the pluggable byte-stream connection to the device. The
// broker receives one already-initialized instance at startup; it does
// not define how the instance was constructed.
type Transport interface {
	Transmit(ctx context.Context, buf []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Cancel() error
	SetLocality(locality uint8) error
	Finalize() error
}

// StateTracker wraps a Transport with the READY/SENT/FINAL sequencing
// rules so individual Transport implementations don't each have to. Real
// implementations (socket-backed, echo) embed *StateTracker.
type StateTracker struct {
	mu    sync.Mutex
	state state
}

// BeginTransmit must be called before the underlying write; returns
// TransportBadSequence if a Transmit is already outstanding or Finalize
// was called.
func (s *StateTracker) BeginTransmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateFinal {
		return TransportBadSequence
	}
	if s.state == stateSent {
		return TransportBadSequence
	}
	s.state = stateSent
	return nil
}

// BeginReceive must be called before the underlying read; returns
// TransportBadSequence if no Transmit is outstanding.
func (s *StateTracker) BeginReceive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateSent {
		return TransportBadSequence
	}
	return nil
}

// EndReceive returns the transport to READY after a completed Receive.
func (s *StateTracker) EndReceive() {
	s.mu.Lock()
	s.state = stateReady
	s.mu.Unlock()
}

func (s *StateTracker) Finalize() {
	s.mu.Lock()
	s.state = stateFinal
	s.mu.Unlock()
}

// ErrNotImplemented is returned by Cancel implementations that don't
// support it.
var ErrNotImplemented = errors.New("device: cancel not implemented by this transport")

// ReadFramed performs the generic "read exactly the fixed header, then
// the declared body length" receive loop, retrying partial reads until
// satisfied, EOF, or timeout. It is shared by every concrete Transport
// so the retry logic is written once.
func ReadFramed(ctx context.Context, readFull func(ctx context.Context, n int) ([]byte, error), headerLen int, bodyLenOf func(header []byte) int) ([]byte, error) {
	header, err := readFull(ctx, headerLen)
	if err != nil {
		return nil, err
	}
	bodyLen := bodyLenOf(header)
	if bodyLen < headerLen {
		return nil, fmt.Errorf("device: declared length %d shorter than header %d", bodyLen, headerLen)
	}
	rest, err := readFull(ctx, bodyLen-headerLen)
	if err != nil {
		return nil, err
	}
	full := make([]byte, 0, bodyLen)
	full = append(full, header...)
	full = append(full, rest...)
	return full, nil
}
