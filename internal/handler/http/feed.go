package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Feed fans out one watermill subscription across any number of
// concurrent long-poll requests, each getting its own buffered channel
// so a slow poller never blocks delivery to the others.
type Feed struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[chan json.RawMessage]struct{}
}

// NewFeed starts consuming sub's topic in the background and fanning
// each message's payload out to every currently-registered subscriber.
// Messages are Acked immediately: audit delivery to /events is
// best-effort, not the durable record (that's the underlying watermill
// backend's job if one is configured with persistence).
func NewFeed(ctx context.Context, log *slog.Logger, sub message.Subscriber, topic string) (*Feed, error) {
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	f := &Feed{log: log, subs: make(map[chan json.RawMessage]struct{})}
	go f.run(messages)
	return f, nil
}

func (f *Feed) run(messages <-chan *message.Message) {
	for msg := range messages {
		f.broadcast(json.RawMessage(msg.Payload))
		msg.Ack()
	}
}

func (f *Feed) broadcast(payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- payload:
		default:
			f.log.Warn("EVENTS_SUBSCRIBER_SLOW_DROPPING")
		}
	}
}

// Subscribe registers a new poller, returning its channel plus a cancel
// function that must be called once the poller is done.
func (f *Feed) Subscribe() (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 32)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
	return ch, cancel
}
