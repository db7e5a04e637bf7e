package handle

import "testing"

func TestTransientEntryExactlyOneOfPhysicalBlob(t *testing.T) {
	e := NewTransient(0x80000001, 0x80FFFFFF)
	if err := e.CheckInvariant(); err != nil {
		t.Fatalf("fresh entry: %v", err)
	}
	if !e.HasPhysical() || e.HasBlob() {
		t.Fatalf("fresh entry: physical=%v blob=%v, want true/false", e.HasPhysical(), e.HasBlob())
	}

	e.MarkEvicted([]byte{0x01, 0x02})
	if err := e.CheckInvariant(); err != nil {
		t.Fatalf("after evict: %v", err)
	}
	if e.HasPhysical() || !e.HasBlob() {
		t.Fatalf("after evict: physical=%v blob=%v, want false/true", e.HasPhysical(), e.HasBlob())
	}

	e.MarkLoaded(0x80FFFFFE)
	if err := e.CheckInvariant(); err != nil {
		t.Fatalf("after reload: %v", err)
	}
	if e.Physical() != 0x80FFFFFE {
		t.Errorf("physical = %#x after reload", e.Physical())
	}
}

func TestInvariantViolationDetected(t *testing.T) {
	e := NewTransient(0x80000001, PhysicalNone)
	// Neither physical nor blob valid: the bookkeeping bug CheckInvariant
	// exists to catch.
	if err := e.CheckInvariant(); err == nil {
		t.Fatal("expected invariant violation for entry with neither physical nor blob")
	}
}

func TestSessionStateFollowsLoadEvictCycle(t *testing.T) {
	e := NewSession(0x02000001, 0x02000001)
	if e.State() != StateLoaded {
		t.Fatalf("fresh session state = %s, want LOADED", e.State())
	}

	e.MarkEvicted([]byte{0xAB})
	if e.State() != StateSavedByDaemon {
		t.Fatalf("evicted session state = %s, want SAVED_BY_DAEMON", e.State())
	}

	e.SetState(StateSavedByClient)
	e.MarkLoaded(0x02000002)
	if e.State() != StateLoaded {
		t.Fatalf("reloaded session state = %s, want LOADED", e.State())
	}
}

func TestAcquireReleaseTracksReferences(t *testing.T) {
	e := NewTransient(0x80000001, 0x80000001)
	if e.Referenced() {
		t.Fatal("fresh entry should be unreferenced")
	}
	e.Acquire()
	e.Acquire()
	if !e.Referenced() {
		t.Fatal("acquired entry should be referenced")
	}
	e.Release()
	if !e.Referenced() {
		t.Fatal("one hold remaining, still referenced")
	}
	e.Release()
	if e.Referenced() {
		t.Fatal("all holds released, should be unreferenced")
	}
}

func TestFamilyDiscrimination(t *testing.T) {
	cases := []struct {
		h           uint32
		virtualized bool
		isSession   bool
	}{
		{0x80000001, true, false},  // transient
		{0x02000001, true, true},   // HMAC session
		{0x03000001, true, true},   // policy session
		{0x40000001, false, false}, // permanent hierarchy
		{0x81000001, false, false}, // persistent
		{0x01000001, false, false}, // NV index
	}
	for _, tc := range cases {
		fam := FamilyOf(tc.h)
		if Virtualized(fam) != tc.virtualized {
			t.Errorf("Virtualized(%#x) = %v, want %v", tc.h, Virtualized(fam), tc.virtualized)
		}
		if IsSession(fam) != tc.isSession {
			t.Errorf("IsSession(%#x) = %v, want %v", tc.h, IsSession(fam), tc.isSession)
		}
	}
}
