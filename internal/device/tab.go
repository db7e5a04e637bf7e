package device

import (
	"context"
	"time"
)

// tab runs one blocking Receive on a background goroutine and races it
// against ctx cancellation, calling Transport.Cancel to unblock the
// in-flight Receive, so the Proxy's mutex holder always gets a definite
// answer (a response, or a cancellation error). If the Receive has not
// unwound within 2 seconds of Cancel, run returns anyway and the
// receive goroutine is left running with the transport still in SENT.
//
// A dedicated watcher goroutine owns the blocking read so a separate
// control path can cancel it without the command-processing caller
// itself blocking indefinitely.
type tab struct {
	transport Transport
}

func newTab(t Transport) *tab {
	return &tab{transport: t}
}

// run transmits cmd and waits for a response, honoring ctx: if ctx is
// canceled before the device replies, it calls Transport.Cancel and
// waits up to 2 seconds for the receive goroutine to unwind before
// returning ctx.Err(). A transport whose Cancel does not unblock Receive
// stays mid-SENT after that wait.
func (t *tab) run(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error) {
	if err := t.transport.Transmit(ctx, cmd); err != nil {
		return nil, err
	}

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf, err := t.transport.Receive(context.Background(), timeout)
		done <- result{buf, err}
	}()

	select {
	case r := <-done:
		return r.buf, r.err
	case <-ctx.Done():
		_ = t.transport.Cancel()
		select {
		case r := <-done:
			if r.err != nil {
				return nil, ctx.Err()
			}
			return r.buf, nil
		case <-time.After(2 * time.Second):
			return nil, ctx.Err()
		}
	}
}
