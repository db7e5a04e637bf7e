// Package broker implements the resource manager: the single serial
// worker that owns virtual<->physical handle translation, session
// adoption, capacity-driven eviction, and connection teardown — an
// actor-style worker draining a bounded mailbox, serializing all device
// access.
package broker

import "github.com/webitel/tpm-broker/internal/domain/connection"

// Command is a parsed-enough view over one inbound command buffer plus
// the connection it arrived on. The buffer
// is mutated in place during translation and is owned by the broker once
// enqueued.
type Command struct {
	Conn *connection.Connection
	Buf  []byte
}

// Response flows outward to the connection its command arrived on.
type Response struct {
	Conn *connection.Connection
	Buf  []byte
}
