package handlemap

import (
	"testing"

	"github.com/webitel/tpm-broker/internal/domain/handle"
)

func TestNextVirtualAllocatesFromBasePlusOne(t *testing.T) {
	m := New(0x80000000, 3)
	v, err := m.NextVirtual()
	if err != nil {
		t.Fatalf("NextVirtual: %v", err)
	}
	if v != 0x80000001 {
		t.Errorf("v = %#x, want base+1", v)
	}
}

func TestCapEnforced(t *testing.T) {
	m := New(0x80000000, 2)
	for i := 0; i < 2; i++ {
		v, err := m.NextVirtual()
		if err != nil {
			t.Fatalf("NextVirtual #%d: %v", i, err)
		}
		if err := m.Insert(handle.NewTransient(v, handle.Physical(0x81000000+uint32(i)))); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}
	if _, err := m.NextVirtual(); err != ErrCapReached {
		// Creating exactly the cap succeeds, the next allocation fails.
		t.Fatalf("expected ErrCapReached at cap, got %v", err)
	}
}

func TestNextVirtualWrapsAfterRemoval(t *testing.T) {
	m := New(0x80000000, 2)
	v1, _ := m.NextVirtual()
	_ = m.Insert(handle.NewTransient(v1, 1))
	v2, _ := m.NextVirtual()
	_ = m.Insert(handle.NewTransient(v2, 2))

	m.Remove(v1)
	v3, err := m.NextVirtual()
	if err != nil {
		t.Fatalf("NextVirtual after free: %v", err)
	}
	if v3 != v1 {
		t.Errorf("expected reuse of freed slot %#x, got %#x", v1, v3)
	}
}

func TestLookupAndForEach(t *testing.T) {
	m := New(0x80000000, 4)
	v, _ := m.NextVirtual()
	e := handle.NewTransient(v, 0x81000001)
	_ = m.Insert(e)

	got, ok := m.Lookup(v)
	if !ok || got != e {
		t.Fatalf("Lookup did not return inserted entry")
	}

	count := 0
	m.ForEach(func(*handle.Entry) { count++ })
	if count != 1 {
		t.Errorf("ForEach visited %d entries, want 1", count)
	}
}
