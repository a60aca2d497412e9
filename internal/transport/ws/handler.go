package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"meshrelay/internal/broadcast"
	"meshrelay/internal/message"
	"meshrelay/internal/metrics"
	logx "meshrelay/pkg/logx"
)

// Inbound receives every accepted frame read from a node.
type Inbound interface {
	HandleInbound(ctx context.Context, key broadcast.ConnectionKey, msg message.Message) error
}

// InboundFunc adapts a function to Inbound.
type InboundFunc func(ctx context.Context, key broadcast.ConnectionKey, msg message.Message) error

func (f InboundFunc) HandleInbound(ctx context.Context, key broadcast.ConnectionKey, msg message.Message) error {
	return f(ctx, key, msg)
}

type Options struct {
	SocketBuffer      int
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	InboundRatePerSec float64
	InboundBurst      int
	MaxMessageBytes   int64

	Inbound Inbound
	Clock   clockwork.Clock
	Logger  logx.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.SocketBuffer <= 0 {
		o.SocketBuffer = 64
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 45 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.InboundRatePerSec <= 0 {
		o.InboundRatePerSec = 20
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = max(1, int(o.InboundRatePerSec))
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	return o
}

// Handler upgrades HTTP requests to node connections. Connections end when
// the node goes away, when it stays silent past IdleTimeout, or when the
// handler's context ends.
type Handler struct {
	ctx      context.Context
	b        *broadcast.Broadcaster
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(ctx context.Context, b *broadcast.Broadcaster, opts Options) *Handler {
	return &Handler{
		ctx:  ctx,
		b:    b,
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Nodes are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, err := uuid.Parse(strings.TrimSpace(q.Get("owner")))
	if err != nil {
		http.Error(w, "owner must be a uuid", http.StatusBadRequest)
		return
	}
	enc, ok := parseEncoding(q.Get("encoding"))
	if !ok {
		http.Error(w, "encoding must be json or cbor", http.StatusBadRequest)
		return
	}
	key := broadcast.ConnectionKey{Owner: owner, Addr: RemoteAddr(r)}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.opts.Logger.Debug("websocket upgrade failed", logx.Stringer("key", key), logx.Err(err))
		return
	}

	c := newConn(h, ws, key, enc)
	c.serve(h.ctx)
}

// RemoteAddr returns the first X-Forwarded-For hop when present, else the
// connection's remote address.
func RemoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return net.JoinHostPort(host, port)
	}
	return r.RemoteAddr
}
