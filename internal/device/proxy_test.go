package device_test

import (
	"context"
	"testing"

	"github.com/webitel/tpm-broker/internal/device"
	"github.com/webitel/tpm-broker/internal/device/echo"
	"github.com/webitel/tpm-broker/internal/domain/handle"
)

func TestStartupCoercesAlreadyInitialized(t *testing.T) {
	const rcAlreadyInitialized = 0x00000923
	tr := echo.New(func(cmd []byte) []byte {
		return echo.ResponseHeader(0x8001, rcAlreadyInitialized)
	})
	p := device.NewProxy("test", tr)

	if err := p.Startup(context.Background()); err != nil {
		t.Fatalf("Startup() = %v, want nil (already-initialized coerced to success)", err)
	}
}

func TestContextSaveReturnsBlob(t *testing.T) {
	wantBlob := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	tr := echo.New(func(cmd []byte) []byte {
		return echo.ResponseHeader(0x8001, 0, wantBlob...)
	})
	p := device.NewProxy("test", tr)

	blob, err := p.ContextSave(context.Background(), handle.Physical(0x80000001))
	if err != nil {
		t.Fatalf("ContextSave: %v", err)
	}
	if string(blob) != string(wantBlob) {
		t.Fatalf("blob = %x, want %x", blob, wantBlob)
	}
}

func TestContextLoadReturnsPhysicalHandle(t *testing.T) {
	tr := echo.New(func(cmd []byte) []byte {
		hdr := echo.ResponseHeader(0x8001, 0, 0x80, 0x00, 0x00, 0x2A)
		return hdr
	})
	p := device.NewProxy("test", tr)

	phys, err := p.ContextLoad(context.Background(), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("ContextLoad: %v", err)
	}
	if phys != handle.Physical(0x8000002A) {
		t.Fatalf("phys = 0x%08x, want 0x8000002a", uint32(phys))
	}
}

func TestSaveThenFlushIsAtomicOnFlushFailure(t *testing.T) {
	const rcFailure = 0x101
	calls := 0
	tr := echo.New(func(cmd []byte) []byte {
		calls++
		if calls == 1 {
			return echo.ResponseHeader(0x8001, 0, 0xCA, 0xFE)
		}
		return echo.ResponseHeader(0x8001, rcFailure)
	})
	p := device.NewProxy("test", tr)

	_, err := p.SaveThenFlush(context.Background(), handle.Physical(0x80000001))
	if err == nil {
		t.Fatalf("SaveThenFlush: want error when flush fails after successful save")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (save then flush attempted)", calls)
	}
}

func TestGetCommandAttrsFallsBackOnEmptyResponse(t *testing.T) {
	tr := echo.New(func(cmd []byte) []byte {
		return nil
	})
	p := device.NewProxy("test", tr)

	p.GetCommandAttrs(context.Background(), nil)

	if p.Attrs().Source() != "fallback" {
		t.Fatalf("attrs source = %q, want fallback", p.Attrs().Source())
	}
	a := p.Attrs().Lookup(device.CCContextSave)
	if a.HandleCount != 1 {
		t.Fatalf("fallback ContextSave handle count = %d, want 1", a.HandleCount)
	}
}

func TestAttrsLookupUnknownCommandIsZeroHandles(t *testing.T) {
	tr := echo.New(nil)
	p := device.NewProxy("test", tr)
	p.Attrs().PopulateFallback()

	a := p.Attrs().Lookup(0xDEADBEEF)
	if a.HandleCount != 0 {
		t.Fatalf("unknown command handle count = %d, want 0", a.HandleCount)
	}
}
