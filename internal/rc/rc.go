// Package rc defines the broker's response-code namespaces.
//
// Response codes returned to clients fall into three namespaces: device
// codes (passed through verbatim), transport-layer codes, and
// broker-layer codes. Only the third namespace is defined here; device
// and transport codes are opaque uint32s the broker never reinterprets.
package rc

// Code is a broker-layer response code. It occupies a reserved band above
// the device's own response-code space so a client can distinguish "the
// device said no" from "the broker itself couldn't service this".
type Code uint32

// ResourceManagerLayer marks every broker-layer code so it can never
// collide with a genuine device response code.
const ResourceManagerLayer Code = 0x0A0 << 16

const (
	Success Code = 0

	// Malformed: short buffer, handle area exceeds size, bad tag.
	Malformed Code = ResourceManagerLayer | 0x001

	// ObjectMemory: per-connection transient-object cap reached.
	ObjectMemory Code = ResourceManagerLayer | 0x002

	// SessionMemory: global active-session cap reached.
	SessionMemory Code = ResourceManagerLayer | 0x003

	// NotFound: a referenced virtual handle has no entry and no claimable
	// registry blob.
	NotFound Code = ResourceManagerLayer | 0x004

	// Transport: the device transport failed; broker remains running.
	Transport Code = ResourceManagerLayer | 0x005

	// InternalError: local bookkeeping inconsistency recovered as an error
	// response rather than promoted to an abort.
	InternalError Code = ResourceManagerLayer | 0x006

	// NotPermitted: operation not allowed for the requesting connection.
	NotPermitted Code = ResourceManagerLayer | 0x007

	// BadValue: a well-formed but semantically invalid argument.
	BadValue Code = ResourceManagerLayer | 0x008

	// NotImplemented: operation recognized but not supported by this build.
	NotImplemented Code = ResourceManagerLayer | 0x009

	// GeneralFailure: catch-all for conditions with no more specific code.
	GeneralFailure Code = ResourceManagerLayer | 0x00A
)

func (c Code) IsResourceManager() bool {
	return c&0xFFFF0000 == ResourceManagerLayer
}

var names = map[Code]string{
	Success:        "SUCCESS",
	Malformed:      "MALFORMED",
	ObjectMemory:   "OBJECT_MEMORY",
	SessionMemory:  "SESSION_MEMORY",
	NotFound:       "NOT_FOUND",
	Transport:      "TRANSPORT_ERROR",
	InternalError:  "INTERNAL_ERROR",
	NotPermitted:   "NOT_PERMITTED",
	BadValue:       "BAD_VALUE",
	NotImplemented: "NOT_IMPLEMENTED",
	GeneralFailure: "GENERAL_FAILURE",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "DEVICE_RC"
}
