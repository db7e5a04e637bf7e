package session

import (
	"testing"

	"github.com/webitel/tpm-broker/internal/domain/handle"
)

type fakeFlusher struct{ flushed []handle.Physical }

func (f *fakeFlusher) FlushContext(phys handle.Physical) error {
	f.flushed = append(f.flushed, phys)
	return nil
}

func savedEntry(v handle.Virtual, blob byte) *Entry {
	e := NewEntry(v, 0x02000000+handle.Physical(v), 1)
	e.MarkEvicted([]byte{blob})
	e.SetState(handle.StateSavedByClient)
	return e
}

func TestAbandonAndClaimRoundTrip(t *testing.T) {
	r := NewRegistry(10, 10, &fakeFlusher{})
	e := savedEntry(0x02000001, 0xAA)
	if err := r.Insert(e); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := r.Abandon(e); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if r.AbandonedLen() != 1 {
		t.Fatalf("AbandonedLen = %d, want 1", r.AbandonedLen())
	}

	claimed, err := r.Claim([]byte{0xAA}, 42)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed != e {
		t.Fatalf("Claim returned a different entry")
	}
	if owner, ok := claimed.Owner(); !ok || owner != 42 {
		t.Errorf("claimed owner = %d,%v, want 42,true", owner, ok)
	}
	if r.AbandonedLen() != 0 {
		t.Errorf("AbandonedLen after claim = %d, want 0", r.AbandonedLen())
	}
}

func TestMaxActiveSessionsEnforced(t *testing.T) {
	r := NewRegistry(2, 10, &fakeFlusher{})
	e1 := savedEntry(1, 1)
	e2 := savedEntry(2, 2)
	e3 := savedEntry(3, 3)

	if err := r.Insert(e1); err != nil {
		t.Fatalf("Insert e1: %v", err)
	}
	if err := r.Insert(e2); err != nil {
		t.Fatalf("Insert e2: %v", err)
	}
	if err := r.Insert(e3); err != ErrSessionMemory {
		t.Fatalf("Insert e3 err = %v, want ErrSessionMemory", err)
	}
}

func TestAbandonedLRUEvictsOldestOnOverflow(t *testing.T) {
	flusher := &fakeFlusher{}
	r := NewRegistry(10, 2, flusher)

	e1 := savedEntry(1, 0x01)
	e2 := savedEntry(2, 0x02)
	e3 := savedEntry(3, 0x03)
	for _, e := range []*Entry{e1, e2, e3} {
		if err := r.Insert(e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	_ = r.Abandon(e1)
	_ = r.Abandon(e2)
	_ = r.Abandon(e3) // should evict e1, the oldest

	if r.AbandonedLen() != 2 {
		t.Fatalf("AbandonedLen = %d, want 2", r.AbandonedLen())
	}
	// e1 aged out of the abandoned LRU entirely; it must not keep a slot
	// counted against max_active_sessions.
	if r.ActiveLen() != 2 {
		t.Fatalf("ActiveLen after LRU eviction = %d, want 2", r.ActiveLen())
	}
	if _, err := r.Claim([]byte{0x01}, 99); err != ErrNotClaimable {
		t.Errorf("claim of evicted entry err = %v, want ErrNotClaimable", err)
	}
	if _, err := r.Claim([]byte{0x02}, 99); err != nil {
		t.Errorf("claim of surviving entry failed: %v", err)
	}
	if _, err := r.Claim([]byte{0x03}, 100); err != nil {
		t.Errorf("claim of surviving entry failed: %v", err)
	}
}
