// Package channel defines outbound telemetry destinations. Each adapter is
// a thin wrapper over an external transport; all of them carry the raw frame
// bytes unchanged.
package channel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Channel delivers one raw frame with its timestamp.
type Channel interface {
	Name() string
	Send(ctx context.Context, payload []byte, ts time.Time) error
}

// Status is a link state change reported by a channel.
type Status struct {
	Channel   string
	Connected bool
}

// StatusNotifier is implemented by channels that observe their own link
// state. The callback may be invoked from any goroutine.
type StatusNotifier interface {
	OnStatus(func(Status))
}

// TransportError wraps every failed send with the channel that produced it.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Channel: name, Err: err}
}

// Func adapts a function to Channel.
type Func struct {
	ID string
	Fn func(ctx context.Context, payload []byte, ts time.Time) error
}

func (f Func) Name() string { return f.ID }

func (f Func) Send(ctx context.Context, payload []byte, ts time.Time) error {
	return transportErr(f.ID, f.Fn(ctx, payload, ts))
}

// CloseAll closes every channel that holds resources, returning the first
// error.
func CloseAll(roster []Channel) error {
	var first error
	for _, ch := range roster {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = fmt.Errorf("close %s: %w", ch.Name(), err)
			}
		}
	}
	return first
}

// notifier is embedded by adapters that report link state.
type notifier struct {
	name string
	mu   sync.Mutex
	fn   func(Status)
}

func (n *notifier) OnStatus(fn func(Status)) {
	n.mu.Lock()
	n.fn = fn
	n.mu.Unlock()
}

func (n *notifier) notify(connected bool) {
	n.mu.Lock()
	fn := n.fn
	n.mu.Unlock()
	if fn != nil {
		fn(Status{Channel: n.name, Connected: connected})
	}
}
