package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"meshrelay/internal/broadcast"
	"meshrelay/internal/message"
	"meshrelay/internal/metrics"
)

type testServer struct {
	b      *broadcast.Broadcaster
	srv    *httptest.Server
	cancel context.CancelFunc
}

func startServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := broadcast.New()
	srv := httptest.NewServer(NewHandler(ctx, b, opts))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testServer{b: b, srv: srv, cancel: cancel}
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (int, message.Message) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frameType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Text frames decode as JSON either way.
	m, err := encodingCBOR.decode(frameType, data)
	if err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return frameType, m
}

func ownerQuery() string { return "owner=" + uuid.NewString() }

func TestRejectsBadRequests(t *testing.T) {
	t.Parallel()
	s := startServer(t, Options{})
	cases := []struct {
		name  string
		query string
	}{
		{"missing owner", ""},
		{"bad owner", "owner=not-a-uuid"},
		{"bad encoding", ownerQuery() + "&encoding=xml"},
	}
	for _, tc := range cases {
		resp, err := http.Get(s.srv.URL + "/?" + tc.query)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", tc.name, resp.StatusCode)
		}
	}
}

func TestPrivateAndGlobalDelivery(t *testing.T) {
	t.Parallel()
	s := startServer(t, Options{})
	conn := s.dial(t, ownerQuery())
	waitFor(t, "subscription", func() bool { return s.b.Len() == 1 })

	key := s.b.QueueSnapshot()[0]
	s.b.BroadcastToUser(context.Background(), []message.Message{message.RequestUptimeReport()}, key)
	frameType, m := readMessage(t, conn)
	if frameType != websocket.TextMessage || m.Kind != message.KindRequestUptimeReport {
		t.Fatalf("got frame %d %v", frameType, m)
	}

	if _, err := s.b.Broadcast(message.Payload([]byte(`{"notice":"maintenance"}`))); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	_, m = readMessage(t, conn)
	if m.Kind != message.KindPayload || string(m.Payload) != `{"notice":"maintenance"}` {
		t.Fatalf("got %v %q", m, m.Payload)
	}
}

func TestCBOREncoding(t *testing.T) {
	t.Parallel()
	s := startServer(t, Options{})
	conn := s.dial(t, ownerQuery()+"&encoding=cbor")
	waitFor(t, "subscription", func() bool { return s.b.Len() == 1 })

	s.b.DeliverRotated(context.Background(), []message.Message{message.RequestBandwidthReport()}, 1)
	frameType, m := readMessage(t, conn)
	if frameType != websocket.BinaryMessage || m.Kind != message.KindRequestBandwidthReport {
		t.Fatalf("got frame %d %v", frameType, m)
	}
}

func TestKeepAlivePingAndIdleClose(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	mt := metrics.New()
	s := startServer(t, Options{IdleTimeout: 10 * time.Second, Clock: clock, Metrics: mt})
	conn := s.dial(t, ownerQuery())
	waitFor(t, "subscription", func() bool { return s.b.Len() == 1 })

	pings := make(chan struct{}, 4)
	conn.SetPingHandler(func(string) error {
		pings <- struct{}{}
		return nil
	})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	// Fresh connection: ping is sent, connection stays.
	if _, err := s.b.Broadcast(message.Ping()); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatalf("no websocket ping")
	}

	clock.Advance(11 * time.Second)
	if _, err := s.b.Broadcast(message.Ping()); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	select {
	case err := <-readErr:
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("read error = %v, want going-away close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("idle connection not closed")
	}
	waitFor(t, "unsubscribe", func() bool { return s.b.Len() == 0 && s.b.QueueLen() == 0 })
	waitFor(t, "idle metric", func() bool { return testutil.ToFloat64(mt.Disconnects.WithLabelValues(reasonIdle)) == 1 })
}

func TestInboundForwardingAndRateLimit(t *testing.T) {
	t.Parallel()
	got := make(chan message.Message, 8)
	mt := metrics.New()
	s := startServer(t, Options{
		InboundRatePerSec: 0.001,
		InboundBurst:      1,
		Metrics:           mt,
		Inbound: InboundFunc(func(_ context.Context, _ broadcast.ConnectionKey, m message.Message) error {
			got <- m
			return nil
		}),
	})
	conn := s.dial(t, ownerQuery())

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Payload","payload":{"uptime":42}}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	select {
	case m := <-got:
		if m.Kind != message.KindPayload || string(m.Payload) != `{"uptime":42}` {
			t.Fatalf("inbound = %v %q", m, m.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound frame not forwarded")
	}
	waitFor(t, "rate limited frames", func() bool {
		return testutil.ToFloat64(mt.InboundFrames.WithLabelValues(metrics.InboundRateLimited)) == 2
	})
	if len(got) != 0 {
		t.Fatalf("rate limited frames were forwarded")
	}
}

func TestUntypedInboundFrameIsInvalid(t *testing.T) {
	t.Parallel()
	got := make(chan message.Message, 4)
	mt := metrics.New()
	s := startServer(t, Options{
		Metrics: mt,
		Inbound: InboundFunc(func(_ context.Context, _ broadcast.ConnectionKey, m message.Message) error {
			got <- m
			return nil
		}),
	})
	conn := s.dial(t, ownerQuery())

	for _, frame := range []string{`{"payload":{"uptime":5}}`, `{"type":"Ping"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	select {
	case m := <-got:
		if m.Kind != message.KindPing {
			t.Fatalf("forwarded %v, want only the typed frame", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("typed frame not forwarded")
	}
	if n := testutil.ToFloat64(mt.InboundFrames.WithLabelValues(metrics.InboundInvalid)); n != 1 {
		t.Fatalf("invalid frames = %v, want 1", n)
	}
	if n := testutil.ToFloat64(mt.InboundFrames.WithLabelValues(metrics.InboundAccepted)); n != 1 {
		t.Fatalf("accepted frames = %v, want 1", n)
	}
}

func TestClientCloseUnsubscribes(t *testing.T) {
	t.Parallel()
	s := startServer(t, Options{})
	conn := s.dial(t, ownerQuery())
	waitFor(t, "subscription", func() bool { return s.b.Len() == 1 })

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	waitFor(t, "unsubscribe", func() bool { return s.b.Len() == 0 && s.b.QueueLen() == 0 && s.b.Receivers() == 0 })
}

func TestShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	s := startServer(t, Options{})
	conn := s.dial(t, ownerQuery())
	waitFor(t, "subscription", func() bool { return s.b.Len() == 1 })

	s.cancel()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read error = %v, want going-away close", err)
	}
	waitFor(t, "unsubscribe", func() bool { return s.b.Len() == 0 })
}

func TestRemoteAddr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "10.1.2.3:5555", "", "10.1.2.3:5555"},
		{"forwarded", "127.0.0.1:80", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"blank forwarded", "127.0.0.1:80", " , 10.0.0.1", "127.0.0.1:80"},
		{"no port", "pipe", "", "pipe"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = tc.remote
		if tc.xff != "" {
			r.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := RemoteAddr(r); got != tc.want {
			t.Fatalf("%s: RemoteAddr = %q, want %q", tc.name, got, tc.want)
		}
	}
}
