package broadcast

import (
	"context"
	"errors"
	"sync"

	"meshrelay/internal/message"
	"meshrelay/internal/metrics"
	logx "meshrelay/pkg/logx"
)

// Broadcaster is the public delivery API over the registry, the round-robin
// queue and the global channel.
type Broadcaster struct {
	global  *GlobalChannel
	sockets *Registry
	queue   *Queue

	// memberMu serializes subscribe/unsubscribe so the registry and queue
	// change together per key. Rotation and sends never take it.
	memberMu sync.Mutex

	log     logx.Logger
	metrics *metrics.Metrics
}

type Option func(*Broadcaster)

func WithLogger(log logx.Logger) Option { return func(b *Broadcaster) { b.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Broadcaster) { b.metrics = m } }

// WithGlobalBuffer sets each global receiver's buffer size.
func WithGlobalBuffer(n int) Option {
	return func(b *Broadcaster) { b.global = NewGlobalChannel(n) }
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		global:  NewGlobalChannel(defaultGlobalBuffer),
		sockets: NewRegistry(),
		queue:   NewQueue(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

// Subscribe registers socket under key, queues key for rotation and returns a
// fresh global receiver.
//
// Subscribing a key that is already live replaces its socket and moves it to
// the back of the queue; the queue never holds duplicates.
func (b *Broadcaster) Subscribe(key ConnectionKey, socket Socket) *GlobalReceiver {
	b.memberMu.Lock()
	b.sockets.Insert(key, socket)
	replaced := b.queue.MoveToBack(key)
	b.memberMu.Unlock()

	if replaced {
		b.log.Warn("connection resubscribed without unsubscribe", logx.Stringer("key", key))
	} else {
		b.metrics.ConnectionOpened()
	}
	b.log.Debug("connection subscribed", logx.Stringer("key", key))
	return b.global.Subscribe()
}

// Unsubscribe forgets key. A key missing from the queue is logged and
// otherwise ignored.
func (b *Broadcaster) Unsubscribe(key ConnectionKey) {
	b.memberMu.Lock()
	found := b.queue.RemoveValue(key)
	b.sockets.Remove(key)
	b.memberMu.Unlock()

	if !found {
		b.log.Warn("failed to remove a socket from the queue", logx.Stringer("key", key))
		return
	}
	b.metrics.ConnectionClosed()
	b.log.Debug("connection unsubscribed", logx.Stringer("key", key))
}

// UnsubscribeSocket is Unsubscribe for a handler that may have been replaced:
// it only forgets key while socket is still the registered one. It reports
// whether anything was removed.
func (b *Broadcaster) UnsubscribeSocket(key ConnectionKey, socket Socket) bool {
	b.memberMu.Lock()
	cur, ok := b.sockets.Get(key)
	if !ok || cur != socket {
		b.memberMu.Unlock()
		b.log.Debug("socket already replaced; keeping newer subscription", logx.Stringer("key", key))
		return false
	}
	b.queue.RemoveValue(key)
	b.sockets.Remove(key)
	b.memberMu.Unlock()

	b.metrics.ConnectionClosed()
	b.log.Debug("connection unsubscribed", logx.Stringer("key", key))
	return true
}

// Broadcast publishes msg to every global receiver. It returns the number of
// receivers or ErrNoReceivers.
func (b *Broadcaster) Broadcast(msg message.Message) (int, error) {
	n, err := b.global.Publish(msg)
	b.metrics.Broadcast(msg.Kind.String(), n, err == nil)
	if err != nil {
		return 0, err
	}
	b.log.Debug("broadcast sent", logx.Stringer("msg", msg), logx.Int("subscribers", n))
	return n, nil
}

// Batch sends msg to each target that is still registered. Sends run
// concurrently; failures are logged and never stop the others.
func (b *Broadcaster) Batch(ctx context.Context, msg message.Message, targets []ConnectionKey) {
	msgs := []message.Message{msg}
	var wg sync.WaitGroup
	for _, key := range targets {
		sock, ok := b.sockets.Get(key)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.sendAll(ctx, key, sock, msgs, "batch broadcast failed")
		}()
	}
	wg.Wait()
}

// BroadcastToUser sends msgs to one connection in order. Every message is
// attempted even if an earlier one failed.
func (b *Broadcaster) BroadcastToUser(ctx context.Context, msgs []message.Message, key ConnectionKey) {
	sock, ok := b.sockets.Get(key)
	if !ok {
		return
	}
	b.sendAll(ctx, key, sock, msgs, "error while queuing message")
}

// RotateAndSelect returns the next count keys in round-robin order.
func (b *Broadcaster) RotateAndSelect(count int) []ConnectionKey {
	selected := b.queue.RotateFront(count)
	b.metrics.Selected(len(selected))
	return selected
}

// DeliverRotated selects the next count keys and sends msgs to each of them
// concurrently. The returned keys are those chosen, whether or not delivery
// to them succeeded.
func (b *Broadcaster) DeliverRotated(ctx context.Context, msgs []message.Message, count int) []ConnectionKey {
	selected := b.RotateAndSelect(count)
	var wg sync.WaitGroup
	for _, key := range selected {
		sock, ok := b.sockets.Get(key)
		if !ok {
			// Unsubscribed between rotation and lookup.
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.sendAll(ctx, key, sock, msgs, "error while queuing message")
		}()
	}
	wg.Wait()
	return selected
}

func (b *Broadcaster) sendAll(ctx context.Context, key ConnectionKey, sock Socket, msgs []message.Message, failMsg string) {
	for _, m := range msgs {
		if err := sock.Send(ctx, m); err != nil {
			reason := sendFailureReason(err)
			b.metrics.SendFailed(reason)
			fields := []logx.Field{logx.Stringer("key", key), logx.Stringer("msg", m), logx.String("reason", reason)}
			if !errors.Is(err, ErrSocketClosed) {
				fields = append(fields, logx.Err(err))
			}
			b.log.Warn(failMsg, fields...)
		}
	}
}

// Len is the number of registered sockets.
func (b *Broadcaster) Len() int { return b.sockets.Len() }

func (b *Broadcaster) QueueLen() int { return b.queue.Len() }

// QueueSnapshot returns the current rotation order.
func (b *Broadcaster) QueueSnapshot() []ConnectionKey { return b.queue.Snapshot() }

// Receivers is the number of live global receivers.
func (b *Broadcaster) Receivers() int { return b.global.Receivers() }
