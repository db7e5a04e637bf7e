package broker

import (
	"github.com/webitel/tpm-broker/internal/domain/wire"
	"github.com/webitel/tpm-broker/internal/rc"
)

// malformedResponse synthesizes a minimum-header MALFORMED reply — the
// resource manager never drops a command without producing a response.
// tag is best-effort: 0 when the input was too short to even contain a
// tag field.
func malformedResponse(tag uint16) []byte {
	return rcResponse(tag, rc.Malformed)
}

// rcResponse synthesizes a response carrying a broker-layer response
// code, for failures recovered locally rather than returned by the
// device.
func rcResponse(tag uint16, code rc.Code) []byte {
	return wire.NewHeader(tag, wire.HeaderLen, uint32(code))
}
