package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Dispatcher is the high-level contract the resource manager's audit
// hook depends on, keeping callers agnostic of which watermill backend
// is underneath.
type Dispatcher interface {
	Publish(ctx context.Context, ev Event) error
}

type dispatcher struct {
	log       *slog.Logger
	publisher message.Publisher
	topic     string
}

// NewDispatcher wraps a watermill Publisher behind the Dispatcher
// contract.
func NewDispatcher(log *slog.Logger, pub message.Publisher, topic string) Dispatcher {
	return &dispatcher{log: log, publisher: pub, topic: topic}
}

func (d *dispatcher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	routingKey := ev.GetRoutingKey()
	if err := d.publisher.Publish(d.topic, msg); err != nil {
		d.log.Warn("audit: publish failed", "routing_key", routingKey, "error", err)
		return fmt.Errorf("audit: publish to %s: %w", d.topic, err)
	}
	return nil
}

// NopDispatcher discards every event. Useful for tests and for running
// the broker with audit disabled without special-casing the call sites.
type NopDispatcher struct{}

func (NopDispatcher) Publish(context.Context, Event) error { return nil }
