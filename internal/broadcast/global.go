package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"

	"meshrelay/internal/message"
)

var ErrNoReceivers = errors.New("broadcast: no receivers")

const defaultGlobalBuffer = 256

// GlobalChannel is a lossy one-to-many channel.
//
// Contract:
//   - Publish never blocks.
//   - Each receiver sees messages published after it subscribed.
//   - A receiver whose buffer is full misses the message; the miss is counted
//     on the receiver, not reported to the publisher.
type GlobalChannel struct {
	mu     sync.RWMutex
	subs   map[uint64]*GlobalReceiver
	seq    atomic.Uint64
	buffer int
}

func NewGlobalChannel(buffer int) *GlobalChannel {
	if buffer <= 0 {
		buffer = defaultGlobalBuffer
	}
	return &GlobalChannel{subs: map[uint64]*GlobalReceiver{}, buffer: buffer}
}

// GlobalReceiver is one consumer handle. Close it when the connection ends;
// until then it counts as a live receiver.
type GlobalReceiver struct {
	g       *GlobalChannel
	id      uint64
	ch      chan message.Message
	dropped atomic.Uint64
	once    sync.Once
}

func (g *GlobalChannel) Subscribe() *GlobalReceiver {
	r := &GlobalReceiver{
		g:  g,
		id: g.seq.Add(1),
		ch: make(chan message.Message, g.buffer),
	}
	g.mu.Lock()
	g.subs[r.id] = r
	g.mu.Unlock()
	return r
}

// Publish offers m to every receiver and returns how many receivers exist.
// It fails only when there are none.
func (g *GlobalChannel) Publish(m message.Message) (int, error) {
	// The read lock is held across the (non-blocking) sends so Close can't
	// close a channel mid-send.
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.subs) == 0 {
		return 0, ErrNoReceivers
	}
	for _, r := range g.subs {
		select {
		case r.ch <- m:
		default:
			r.dropped.Add(1)
		}
	}
	return len(g.subs), nil
}

func (g *GlobalChannel) Receivers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs)
}

// C is closed after Close.
func (r *GlobalReceiver) C() <-chan message.Message { return r.ch }

// Dropped reports how many messages this receiver missed because it was full.
func (r *GlobalReceiver) Dropped() uint64 { return r.dropped.Load() }

func (r *GlobalReceiver) Close() {
	r.once.Do(func() {
		r.g.mu.Lock()
		delete(r.g.subs, r.id)
		close(r.ch)
		r.g.mu.Unlock()
	})
}
