package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"meshrelay/internal/broadcast"
	"meshrelay/internal/message"
	"meshrelay/internal/metrics"
	logx "meshrelay/pkg/logx"
)

// Disconnect reasons.
const (
	reasonIdle     = "idle"
	reasonRead     = "read_error"
	reasonWrite    = "write_error"
	reasonShutdown = "shutdown"
	reasonGlobal   = "global_closed"
)

type conn struct {
	h   *Handler
	ws  *websocket.Conn
	key broadcast.ConnectionKey
	enc encoding
	log logx.Logger

	// lastRead is the last frame or pong on the idle clock, in unix nanos.
	// Write deadlines use wall time.
	lastRead atomic.Int64

	closeOnce sync.Once
	reason    string
}

func newConn(h *Handler, ws *websocket.Conn, key broadcast.ConnectionKey, enc encoding) *conn {
	c := &conn{
		h:   h,
		ws:  ws,
		key: key,
		enc: enc,
		log: h.opts.Logger.With(logx.Stringer("key", key), logx.String("encoding", enc.String())),
	}
	c.touch()
	return c
}

func (c *conn) touch() { c.lastRead.Store(c.h.opts.Clock.Now().UnixNano()) }

func (c *conn) idleFor() time.Duration {
	return c.h.opts.Clock.Since(time.Unix(0, c.lastRead.Load()))
}

// serve subscribes the connection and blocks until it ends.
func (c *conn) serve(ctx context.Context) {
	private := make(chan message.Message, c.h.opts.SocketBuffer)
	done := make(chan struct{})
	socket := broadcast.NewSocket(private, done)
	rx := c.h.b.Subscribe(c.key, socket)
	c.log.Info("node connected")

	ctx, cancel := context.WithCancel(ctx)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop(ctx)
	}()

	c.writeLoop(ctx, private, rx, readerDone)

	cancel()
	close(done)
	c.h.b.UnsubscribeSocket(c.key, socket)
	rx.Close()
	c.close("")
	<-readerDone

	c.h.opts.Metrics.Disconnected(c.reason)
	c.log.Info("node disconnected", logx.String("reason", c.reason), logx.Uint64("global_dropped", rx.Dropped()))
}

// close records the first reason and closes the socket, which also unblocks
// the reader.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		if reason == "" {
			reason = reasonRead
		}
		c.reason = reason
		_ = c.ws.Close()
	})
}

// closeWith sends a close frame before closing. Only the writer calls it.
func (c *conn) closeWith(reason string, code int, text string) {
	deadline := time.Now().Add(c.h.opts.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	c.close(reason)
}

func (c *conn) writeLoop(ctx context.Context, private <-chan message.Message, rx *broadcast.GlobalReceiver, readerDone <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			c.closeWith(reasonShutdown, websocket.CloseGoingAway, "server shutting down")
			return
		case <-readerDone:
			return
		case m := <-private:
			if !c.write(m) {
				return
			}
		case m, ok := <-rx.C():
			if !ok {
				c.closeWith(reasonGlobal, websocket.CloseGoingAway, "")
				return
			}
			if m.Kind != message.KindPing {
				if !c.write(m) {
					return
				}
				continue
			}
			if idle := c.idleFor(); idle > c.h.opts.IdleTimeout {
				c.log.Info("closing idle connection", logx.Duration("idle", idle))
				c.closeWith(reasonIdle, websocket.CloseGoingAway, "idle timeout")
				return
			}
			deadline := time.Now().Add(c.h.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ping failed", logx.Err(err))
				c.close(reasonWrite)
				return
			}
		}
	}
}

func (c *conn) write(m message.Message) bool {
	frameType, body, err := c.enc.encode(m)
	if err != nil {
		c.log.Warn("encode failed; message dropped", logx.Stringer("msg", m), logx.Err(err))
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.opts.WriteTimeout))
	if err := c.ws.WriteMessage(frameType, body); err != nil {
		c.log.Debug("write failed", logx.Stringer("msg", m), logx.Err(err))
		c.close(reasonWrite)
		return false
	}
	return true
}

func (c *conn) readLoop(ctx context.Context) {
	opts := c.h.opts
	c.ws.SetReadLimit(opts.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	limiter := rate.NewLimiter(rate.Limit(opts.InboundRatePerSec), opts.InboundBurst)

	for {
		frameType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", logx.Err(err))
			}
			c.close(reasonRead)
			return
		}
		c.touch()

		if !limiter.Allow() {
			opts.Metrics.Inbound(metrics.InboundRateLimited)
			c.log.Debug("inbound frame rate limited")
			continue
		}
		m, err := c.enc.decode(frameType, data)
		if err != nil {
			opts.Metrics.Inbound(metrics.InboundInvalid)
			c.log.Warn("invalid inbound frame", logx.Err(err))
			continue
		}
		opts.Metrics.Inbound(metrics.InboundAccepted)

		if opts.Inbound == nil {
			continue
		}
		if err := opts.Inbound.HandleInbound(ctx, c.key, m); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("inbound handler failed", logx.Stringer("msg", m), logx.Err(err))
		}
	}
}
