// Package wire parses and rewrites the command/response byte buffers
// that cross the broker's external surface.
//
// Layout (big-endian, no padding):
//
//	tag   uint16 @ 0
//	size  uint32 @ 2
//	code  uint32 @ 6
//	handles[0..n] uint32 @ 10 + 4*i
//
// All accessors operate on a borrowed slice; nothing here allocates.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	OffsetTag   = 0
	OffsetSize  = 2
	OffsetCode  = 6
	HeaderLen   = 10
	HandleWidth = 4
)

// ErrShortHeader is returned when a buffer is too short to even contain the
// fixed header.
var ErrShortHeader = fmt.Errorf("wire: buffer shorter than header (%d bytes)", HeaderLen)

// Buffer is a parsed view over a raw command or response buffer. Command
// and Response share this shape; which one a Buffer represents is a matter
// of which direction it is flowing, not of its layout.
type Buffer struct {
	buf []byte
}

// New wraps buf for parsing. It does not copy buf.
func New(buf []byte) (*Buffer, error) {
	if len(buf) < HeaderLen {
		return nil, ErrShortHeader
	}
	return &Buffer{buf: buf}, nil
}

// Bytes returns the backing buffer.
func (b *Buffer) Bytes() []byte { return b.buf }

// Tag returns the `tag` field.
func (b *Buffer) Tag() uint16 {
	return binary.BigEndian.Uint16(b.buf[OffsetTag:])
}

// Size returns the `size` field, which must equal the buffer's actual
// length.
func (b *Buffer) Size() uint32 {
	return binary.BigEndian.Uint32(b.buf[OffsetSize:])
}

// Code returns the command code (for a Command) or the response code (for
// a Response) — same wire offset, different meaning depending on flow
// direction.
func (b *Buffer) Code() uint32 {
	return binary.BigEndian.Uint32(b.buf[OffsetCode:])
}

// SetCode overwrites the code field in place.
func (b *Buffer) SetCode(code uint32) {
	binary.BigEndian.PutUint32(b.buf[OffsetCode:], code)
}

// HandleAreaStart is the offset of the first handle, fixed at HeaderLen.
func HandleAreaStart() int { return HeaderLen }

// Handle returns the i'th handle in the buffer's handle area, assuming the
// caller already knows handleCount (from CommandAttrs) handles are present.
func (b *Buffer) Handle(i int) uint32 {
	off := HeaderLen + i*HandleWidth
	return binary.BigEndian.Uint32(b.buf[off:])
}

// SetHandle overwrites the i'th handle in place — this is how the broker
// performs virtual<->physical translation
// without reallocating the buffer.
func (b *Buffer) SetHandle(i int, h uint32) {
	off := HeaderLen + i*HandleWidth
	binary.BigEndian.PutUint32(b.buf[off:], h)
}

// ValidateHandleCount checks that the buffer is long enough to hold
// handleCount handles after the header; a declared size smaller than
// that is malformed.
func (b *Buffer) ValidateHandleCount(handleCount int) error {
	need := HeaderLen + handleCount*HandleWidth
	if len(b.buf) < need || int(b.Size()) < need {
		return fmt.Errorf("wire: declared size %d too small for %d handles (need %d)", b.Size(), handleCount, need)
	}
	return nil
}

// BodyAfterHandles returns the portion of the buffer following the handle
// area — the command/response-specific payload (attributes, context blob,
// capability-query body, ...).
func (b *Buffer) BodyAfterHandles(handleCount int) []byte {
	off := HeaderLen + handleCount*HandleWidth
	if off > len(b.buf) {
		return nil
	}
	return b.buf[off:]
}

// NewHeader builds a fresh header-only buffer with the given
// tag/size/code, used when the broker synthesizes a response rather
// than rewriting one from the device.
func NewHeader(tag uint16, size uint32, code uint32) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[OffsetTag:], tag)
	binary.BigEndian.PutUint32(buf[OffsetSize:], size)
	binary.BigEndian.PutUint32(buf[OffsetCode:], code)
	return buf
}
