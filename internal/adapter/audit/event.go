// Package audit publishes broker lifecycle events (handle creation,
// session save/claim/abandon, capacity eviction, connection teardown)
// to a message bus as watermill messages.
package audit

import "time"

// Kind enumerates the lifecycle moments the resource manager reports.
type Kind string

const (
	KindConnectionOpened   Kind = "connection_opened"
	KindConnectionClosed   Kind = "connection_closed"
	KindHandleCreated      Kind = "handle_created"
	KindHandleEvicted      Kind = "handle_evicted"
	KindSessionSaved       Kind = "session_saved"
	KindSessionClaimed     Kind = "session_claimed"
	KindSessionAbandoned   Kind = "session_abandoned"
	KindSessionMemoryDenied Kind = "session_memory_denied"
)

// Event is the routable payload published for every lifecycle moment.
type Event struct {
	Kind      Kind      `json:"kind"`
	ConnID    uint64    `json:"conn_id,omitempty"`
	Virtual   uint32    `json:"virtual,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// GetRoutingKey names the event by its kind. The dispatcher publishes
// every event on its one configured topic and uses this key only in its
// failed-publish log line.
func (e Event) GetRoutingKey() string {
	return "tpm_broker.audit." + string(e.Kind)
}
