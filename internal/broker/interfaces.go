package broker

import "context"

// Sink is the thin adapter from the resource manager back to each
// connection's output stream. Implemented over the ws/admin adapters;
// the broker package only depends on this interface.
type Sink interface {
	Send(ctx context.Context, resp *Response) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, resp *Response) error

func (f SinkFunc) Send(ctx context.Context, resp *Response) error { return f(ctx, resp) }

// SinkQueue decouples the worker from client write latency: Send only
// enqueues onto a bounded channel, and a dedicated goroutine (Run)
// drains it to next. The worker therefore never blocks on client I/O,
// while per-connection response order is preserved because one
// goroutine writes everything in queue order.
type SinkQueue struct {
	next Sink
	ch   chan *Response
}

func NewSinkQueue(depth int, next Sink) *SinkQueue {
	if depth <= 0 {
		depth = 256
	}
	return &SinkQueue{next: next, ch: make(chan *Response, depth)}
}

// Send enqueues resp, blocking when the queue is full — back-pressure
// onto the worker, and through it onto the command sources.
func (q *SinkQueue) Send(ctx context.Context, resp *Response) error {
	select {
	case q.ch <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is canceled. A write failure is the
// client's problem (its stream is already dying); it never stops the
// drain loop for everyone else.
func (q *SinkQueue) Run(ctx context.Context, onError func(resp *Response, err error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-q.ch:
			if err := q.next.Send(ctx, resp); err != nil && onError != nil {
				onError(resp, err)
			}
		}
	}
}
