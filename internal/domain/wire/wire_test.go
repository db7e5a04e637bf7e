package wire

import "testing"

func mustBuf(t *testing.T, tag uint16, code uint32, handles ...uint32) []byte {
	t.Helper()
	size := uint32(HeaderLen + len(handles)*HandleWidth)
	buf := NewHeader(tag, size, code)
	b, err := New(buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	full := make([]byte, size)
	copy(full, b.Bytes())
	for i, h := range handles {
		bb, _ := New(full)
		bb.SetHandle(i, h)
	}
	return full
}

func TestHeaderFields(t *testing.T) {
	buf := mustBuf(t, 0x8001, 0x144, 0x80000001, 0x80000002)
	b, err := New(buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Tag() != 0x8001 {
		t.Errorf("tag = %#x", b.Tag())
	}
	if b.Code() != 0x144 {
		t.Errorf("code = %#x", b.Code())
	}
	if b.Size() != uint32(len(buf)) {
		t.Errorf("size = %d, want %d", b.Size(), len(buf))
	}
	if b.Handle(0) != 0x80000001 || b.Handle(1) != 0x80000002 {
		t.Errorf("handles = %#x, %#x", b.Handle(0), b.Handle(1))
	}
}

func TestSetHandleRewritesInPlace(t *testing.T) {
	buf := mustBuf(t, 0x8001, 0x144, 0x80000001)
	b, _ := New(buf)
	b.SetHandle(0, 0xDEADBEEF)
	if b.Handle(0) != 0xDEADBEEF {
		t.Errorf("handle not rewritten, got %#x", b.Handle(0))
	}
}

func TestShortHeaderRejected(t *testing.T) {
	_, err := New(make([]byte, HeaderLen-1))
	if err != ErrShortHeader {
		t.Errorf("err = %v, want ErrShortHeader", err)
	}
}

func TestValidateHandleCountRejectsShortBuffer(t *testing.T) {
	// Declares 2 handles but the buffer only has room for 1.
	buf := NewHeader(0x8001, HeaderLen+HandleWidth, 0x144)
	b, err := New(buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.ValidateHandleCount(2); err == nil {
		t.Fatal("expected ValidateHandleCount to fail for short handle area")
	}
}

func TestValidateHandleCountAccepts(t *testing.T) {
	buf := mustBuf(t, 0x8001, 0x144, 0x1, 0x2)
	b, _ := New(buf)
	if err := b.ValidateHandleCount(2); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
