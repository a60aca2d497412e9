package broadcast

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"meshrelay/internal/message"
)

// ConnectionKey identifies one logical connection: the owning account plus
// the remote address it connected from.
type ConnectionKey struct {
	Owner uuid.UUID
	Addr  string
}

func (k ConnectionKey) String() string { return k.Owner.String() + "@" + k.Addr }

var ErrSocketClosed = errors.New("broadcast: socket closed")

// Socket is the sending half of a connection's private outbound channel.
//
// The connection handler owns the channel and the done signal; the core only
// sends. Handlers signal teardown by closing done, never by closing the
// channel itself (a closed channel is still tolerated, see Send).
type Socket struct {
	ch   chan<- message.Message
	done <-chan struct{}
}

// NewSocket wraps a bounded channel. done may be nil when the caller has no
// liveness signal; sends then only stop on context cancellation.
func NewSocket(ch chan<- message.Message, done <-chan struct{}) Socket {
	return Socket{ch: ch, done: done}
}

// Send blocks until m is queued, the handler goes away, or ctx ends.
func (s Socket) Send(ctx context.Context, m message.Message) (err error) {
	if s.ch == nil {
		return ErrSocketClosed
	}
	// A handler that closed its channel instead of done makes the send panic.
	defer func() {
		if r := recover(); r != nil {
			err = ErrSocketClosed
		}
	}()

	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}

	select {
	case s.ch <- m:
		return nil
	case <-s.done:
		return ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sendFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrSocketClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
