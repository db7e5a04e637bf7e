package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/webitel/tpm-broker/internal/domain/handle"
	"github.com/webitel/tpm-broker/internal/domain/wire"
	"github.com/webitel/tpm-broker/internal/obs"
)

// Proxy is the single device gateway per broker: it owns the Transport
// and a mutex guarding it, and exposes blocking, serialized typed
// operations built atop raw send.
//
// Repeated transport failures trip an embedded gobreaker.CircuitBreaker
// open, so subsequent commands fail fast until the transport is usable
// again — the breaker's half-open probe is the re-establishment
// attempt.
type Proxy struct {
	mu  sync.Mutex
	t   *tab
	cb  *gobreaker.CircuitBreaker
	raw Transport

	// receiveTimeout bounds the dispatch path's wait for a device
	// response; the block-indefinitely sentinel by default.
	receiveTimeout time.Duration

	attrs *AttrsTable
}

// NewProxy wraps transport with the broker's serialization and breaker
// policy. name is used as the breaker's identity in logs/metrics.
func NewProxy(name string, transport Transport) *Proxy {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Proxy{
		t:              newTab(transport),
		cb:             gobreaker.NewCircuitBreaker(settings),
		raw:            transport,
		receiveTimeout: BlockIndefinitely,
		attrs:          NewAttrsTable(),
	}
}

// SetReceiveTimeout bounds how long RawSend waits for the device before
// surfacing a transport timeout (config device.receive_timeout). Call
// before serving commands; zero or negative restores the block-forever
// sentinel.
func (p *Proxy) SetReceiveTimeout(d time.Duration) {
	if d <= 0 {
		d = BlockIndefinitely
	}
	p.receiveTimeout = d
}

// Attrs exposes the populated CommandAttrs table.
func (p *Proxy) Attrs() *AttrsTable { return p.attrs }

// BreakerState reports the circuit breaker's current state ("closed",
// "open", "half-open"), surfaced on the admin /stats endpoint so an
// operator can watch a failing transport trip and recover.
func (p *Proxy) BreakerState() string {
	return p.cb.State().String()
}

// rawSend serializes one transmit/receive round trip through the mutex
// and the circuit breaker. The mutex is the "innermost lock" of the
// broker: it is never acquired while a HandleMap or Registry lock is
// held, only the reverse.
func (p *Proxy) rawSend(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out, err := p.cb.Execute(func() (interface{}, error) {
		return p.t.run(ctx, cmd, timeout)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// RawSend exposes rawSend for the resource manager's main dispatch
// path: the command buffer has already had its virtual handles
// rewritten to physical ones by the caller.
func (p *Proxy) RawSend(ctx context.Context, cmd []byte) ([]byte, error) {
	ctx, span := obs.Tracer().Start(ctx, "device.RawSend")
	defer span.End()
	return p.rawSend(ctx, cmd, p.receiveTimeout)
}

// Startup sends the device-startup command; the device's "already
// initialized" reply is coerced to success.
func (p *Proxy) Startup(ctx context.Context) error {
	const ccStartup uint32 = 0x00000144
	const rcAlreadyInitialized uint32 = 0x00000923 // TPM2_RC_INITIALIZE

	cmd := wire.NewHeader(0x8001, wire.HeaderLen, ccStartup)
	resp, err := p.rawSend(ctx, cmd, 30*time.Second)
	if err != nil {
		return err
	}
	buf, err := wire.New(resp)
	if err != nil {
		return err
	}
	if buf.Code() != 0 && buf.Code() != rcAlreadyInitialized {
		return fmt.Errorf("device: startup failed, rc=0x%08x", buf.Code())
	}
	return nil
}

// GetCapability queries one capability property, returning the
// response buffer unparsed; callers that need the gap-max rewrite
// operate on the returned body directly.
func (p *Proxy) GetCapability(ctx context.Context, capability, property, propertyCount uint32) (*wire.Buffer, error) {
	ctx, span := obs.Tracer().Start(ctx, "device.GetCapability", trace.WithAttributes(
		attribute.Int64("capability", int64(capability)),
		attribute.Int64("property", int64(property)),
	))
	defer span.End()

	const ccGetCapability = CCGetCapability
	cmd := wire.NewHeader(0x8001, wire.HeaderLen+12, ccGetCapability)
	cmd = append(cmd, make([]byte, 12)...)
	putU32(cmd[wire.HeaderLen:], capability)
	putU32(cmd[wire.HeaderLen+4:], property)
	putU32(cmd[wire.HeaderLen+8:], propertyCount)

	resp, err := p.rawSend(ctx, cmd, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return wire.New(resp)
}

// ContextSave saves the context of phys, returning the opaque blob the
// device produced.
func (p *Proxy) ContextSave(ctx context.Context, phys handle.Physical) ([]byte, error) {
	ctx, span := obs.Tracer().Start(ctx, "device.ContextSave", trace.WithAttributes(
		attribute.Int64("physical_handle", int64(phys)),
	))
	defer span.End()

	cmd := wire.NewHeader(0x8001, wire.HeaderLen+4, CCContextSave)
	cmd = append(cmd, make([]byte, 4)...)
	putU32(cmd[wire.HeaderLen:], uint32(phys))

	resp, err := p.rawSend(ctx, cmd, 10*time.Second)
	if err != nil {
		return nil, err
	}
	buf, err := wire.New(resp)
	if err != nil {
		return nil, err
	}
	if buf.Code() != 0 {
		return nil, fmt.Errorf("device: context save rc=0x%08x", buf.Code())
	}
	return buf.BodyAfterHandles(0), nil
}

// ContextLoad loads blob back onto the device, returning the freshly
// assigned physical handle.
func (p *Proxy) ContextLoad(ctx context.Context, blob []byte) (handle.Physical, error) {
	ctx, span := obs.Tracer().Start(ctx, "device.ContextLoad", trace.WithAttributes(
		attribute.Int("blob_len", len(blob)),
	))
	defer span.End()

	cmd := wire.NewHeader(0x8001, wire.HeaderLen+uint32(len(blob)), CCContextLoad)
	cmd = append(cmd, blob...)

	resp, err := p.rawSend(ctx, cmd, 10*time.Second)
	if err != nil {
		return handle.PhysicalNone, err
	}
	buf, err := wire.New(resp)
	if err != nil {
		return handle.PhysicalNone, err
	}
	if buf.Code() != 0 {
		return handle.PhysicalNone, fmt.Errorf("device: context load rc=0x%08x", buf.Code())
	}
	if err := buf.ValidateHandleCount(1); err != nil {
		return handle.PhysicalNone, err
	}
	return handle.Physical(buf.Handle(0)), nil
}

// FlushContext flushes phys from the device, destroying it. Implements
// session.Flusher so the registry can evict without importing this
// package.
func (p *Proxy) FlushContext(phys handle.Physical) error {
	ctx, span := obs.Tracer().Start(context.Background(), "device.FlushContext", trace.WithAttributes(
		attribute.Int64("physical_handle", int64(phys)),
	))
	defer span.End()

	cmd := wire.NewHeader(0x8001, wire.HeaderLen+4, CCFlushContext)
	cmd = append(cmd, make([]byte, 4)...)
	putU32(cmd[wire.HeaderLen:], uint32(phys))

	resp, err := p.rawSend(ctx, cmd, 10*time.Second)
	if err != nil {
		return err
	}
	buf, err := wire.New(resp)
	if err != nil {
		return err
	}
	if buf.Code() != 0 {
		return fmt.Errorf("device: flush context rc=0x%08x", buf.Code())
	}
	return nil
}

// SaveThenFlush performs a context save followed immediately by a flush,
// atomic with respect to other device operations: the proxy mutex is
// held across both, because a save that succeeds followed
// by a flush that fails would leave device state inconsistent with the
// broker's bookkeeping.
func (p *Proxy) SaveThenFlush(ctx context.Context, phys handle.Physical) ([]byte, error) {
	ctx, span := obs.Tracer().Start(ctx, "device.SaveThenFlush", trace.WithAttributes(
		attribute.Int64("physical_handle", int64(phys)),
	))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	saveCmd := wire.NewHeader(0x8001, wire.HeaderLen+4, CCContextSave)
	saveCmd = append(saveCmd, make([]byte, 4)...)
	putU32(saveCmd[wire.HeaderLen:], uint32(phys))

	saveOut, err := p.cb.Execute(func() (interface{}, error) {
		return p.t.run(ctx, saveCmd, 10*time.Second)
	})
	if err != nil {
		return nil, err
	}
	saveResp := saveOut.([]byte)
	saveBuf, err := wire.New(saveResp)
	if err != nil {
		return nil, err
	}
	if saveBuf.Code() != 0 {
		return nil, fmt.Errorf("device: save-then-flush: save rc=0x%08x", saveBuf.Code())
	}
	blob := append([]byte(nil), saveBuf.BodyAfterHandles(0)...)

	flushCmd := wire.NewHeader(0x8001, wire.HeaderLen+4, CCFlushContext)
	flushCmd = append(flushCmd, make([]byte, 4)...)
	putU32(flushCmd[wire.HeaderLen:], uint32(phys))

	flushOut, err := p.cb.Execute(func() (interface{}, error) {
		return p.t.run(ctx, flushCmd, 10*time.Second)
	})
	if err != nil {
		return nil, fmt.Errorf("device: save-then-flush: save ok but flush failed: %w", err)
	}
	flushResp := flushOut.([]byte)
	flushBuf, err := wire.New(flushResp)
	if err != nil {
		return nil, err
	}
	if flushBuf.Code() != 0 {
		return nil, fmt.Errorf("device: save-then-flush: flush rc=0x%08x", flushBuf.Code())
	}
	return blob, nil
}

// capHandles is TPM2_CAP_HANDLES: the capability query FlushRange uses to
// discover which handles in a family are actually live before flushing,
// rather than sweeping every possible value in the range.
const capHandles uint32 = 0x00000001

// FlushRange issues a capability query for all live handles in
// [first, last) and calls flush on each; flush failures are logged but
// do not stop the sweep. logf receives a short message
// per failure so callers can route it through slog. The capability query
// is repeated, advancing past the last handle seen, until the device
// reports no more data — a handle family can hold far more slots than
// fit in one response.
func (p *Proxy) FlushRange(ctx context.Context, first, last handle.Physical, logf func(format string, args ...any)) {
	property := uint32(first)
	for {
		buf, err := p.GetCapability(ctx, capHandles, property, 64)
		if err != nil {
			if logf != nil {
				logf("flush range: capability query from 0x%08x: %v", property, err)
			}
			return
		}
		if buf.Code() != 0 {
			if logf != nil {
				logf("flush range: capability query from 0x%08x: rc=0x%08x", property, buf.Code())
			}
			return
		}

		body := buf.BodyAfterHandles(0)
		if len(body) < 9 {
			return
		}
		moreData := body[0] != 0
		count := beU32(body[5:9])

		var lastSeen handle.Physical
		sawAny := false
		for i := uint32(0); i < count; i++ {
			off := 9 + int(i)*4
			if off+4 > len(body) {
				break
			}
			h := handle.Physical(beU32(body[off:]))
			if h >= last {
				return
			}
			sawAny = true
			lastSeen = h
			if err := p.FlushContext(h); err != nil && logf != nil {
				logf("flush range: handle 0x%08x: %v", uint32(h), err)
			}
		}

		if !moreData || !sawAny {
			return
		}
		property = uint32(lastSeen) + 1
	}
}

// GetCommandAttrs performs the one-time command-metadata capability
// query. On failure it falls back to the static table so the resource
// manager still has meaningful per-command metadata for the commands it
// special-cases.
func (p *Proxy) GetCommandAttrs(ctx context.Context, logf func(format string, args ...any)) {
	const ccGetCommandAttrs uint32 = 0x0000017B // TPM2_CC_GetCommandAttrs-equivalent query
	cmd := wire.NewHeader(0x8001, wire.HeaderLen, ccGetCommandAttrs)

	resp, err := p.rawSend(ctx, cmd, 10*time.Second)
	if err != nil {
		if logf != nil {
			logf("get command attrs: transport error, using fallback table: %v", err)
		}
		p.attrs.PopulateFallback()
		return
	}
	buf, err := wire.New(resp)
	if err != nil || buf.Code() != 0 {
		if logf != nil {
			logf("get command attrs: device rejected query, using fallback table")
		}
		p.attrs.PopulateFallback()
		return
	}

	body := buf.BodyAfterHandles(0)
	const recLen = 4 + 4 + 1 // code, handle_count, modifies_session_state
	if len(body)%recLen != 0 || len(body) == 0 {
		if logf != nil {
			logf("get command attrs: malformed vector, using fallback table")
		}
		p.attrs.PopulateFallback()
		return
	}

	var parsed []Attrs
	for i := 0; i+recLen <= len(body); i += recLen {
		code := beU32(body[i:])
		handleCount := int(beU32(body[i+4:]))
		modifies := body[i+8] != 0
		parsed = append(parsed, Attrs{Code: code, HandleCount: handleCount, ModifiesSessionState: modifies})
	}
	p.attrs.Populate(parsed)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
