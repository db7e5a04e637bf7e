// Package handle models the broker's virtual/physical handle space and
// the handle families as a tagged variant.
package handle

// Family is the upper-byte discriminator of a 32-bit handle. Only
// Transient, HMACSession, and PolicySession (and the legacy PasswordSession
// alias) are virtualized by the broker; the rest pass through untouched.
type Family byte

const (
	Permanent       Family = 0x40
	PasswordSession Family = 0x02 // same byte as HMACSession; the password session handle 0x40000009 itself carries the Permanent byte and passes through
	HMACSession     Family = 0x02
	PolicySession   Family = 0x03
	Transient       Family = 0x80
	Persistent      Family = 0x81
	NVIndex         Family = 0x01
)

// Virtual is a handle the broker has handed to a client. For the
// transient family it is allocated by the broker starting at a fixed
// base; for session families the broker preserves whatever physical
// value the device assigned.
type Virtual uint32

// Physical is the handle value currently assigned by the device, or
// PhysicalNone when the underlying context has been evicted.
type Physical uint32

const PhysicalNone Physical = 0

// FamilyOf returns the family tag encoded in a handle's upper byte.
func FamilyOf(h uint32) Family {
	return Family(h >> 24)
}

// Virtualized reports whether the broker tracks ownership/eviction state
// for handles of this family at all. Transient, HMAC session and policy
// session handles are always translated; Permanent handles (including the
// password session handle 0x40000009), Persistent objects and NV indices
// are left untouched.
func Virtualized(f Family) bool {
	switch f {
	case Transient, HMACSession, PolicySession:
		return true
	default:
		return false
	}
}

// IsSession reports whether a family denotes a device session (as opposed
// to a transient object).
func IsSession(f Family) bool {
	return f == HMACSession || f == PolicySession
}

// Kind distinguishes what a HandleMapEntry represents, independent of the
// specific handle family.
type Kind int

const (
	KindTransient Kind = iota
	KindSession
)

func (k Kind) String() string {
	if k == KindSession {
		return "session"
	}
	return "transient"
}

// SessionState is the lifecycle state of a session-family entry.
type SessionState int

const (
	// StateLoaded: session currently loaded on the device. Every
	// SessionEntry starts here.
	StateLoaded SessionState = iota
	// StateSavedByDaemon: evicted by the broker's own capacity management,
	// not by client request. Transparent to the client.
	StateSavedByDaemon
	// StateSavedByClient: the client issued ContextSave itself. A later
	// reference reloads it transparently like any evicted entry; the state
	// matters at teardown, where such entries move to the session registry.
	StateSavedByClient
	// StateSavedByClientClosed: the owning connection closed while the
	// entry was SavedByClient. Lives in the session registry's abandoned
	// LRU until claimed or evicted.
	StateSavedByClientClosed
)

func (s SessionState) String() string {
	switch s {
	case StateLoaded:
		return "LOADED"
	case StateSavedByDaemon:
		return "SAVED_BY_DAEMON"
	case StateSavedByClient:
		return "SAVED_BY_CLIENT"
	case StateSavedByClientClosed:
		return "SAVED_BY_CLIENT_CLOSED"
	default:
		return "UNKNOWN"
	}
}
