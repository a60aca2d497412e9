package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Broadcast("Ping", 3, true)
	m.SendFailed("closed")
	m.Selected(5)
	m.Tick("keepalive")
	m.Inbound(InboundRateLimited)
	m.Disconnected("idle")
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	if got := testutil.ToFloat64(m.Connections); got != 1 {
		t.Fatalf("connections = %v, want 1", got)
	}

	m.Broadcast("Ping", 2, true)
	m.Broadcast("Ping", 0, false)
	if got := testutil.ToFloat64(m.Broadcasts.WithLabelValues("Ping", "delivered")); got != 1 {
		t.Fatalf("delivered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Broadcasts.WithLabelValues("Ping", "no_receivers")); got != 1 {
		t.Fatalf("no_receivers = %v, want 1", got)
	}

	m.Selected(3)
	m.Selected(0)
	if got := testutil.ToFloat64(m.Selections); got != 3 {
		t.Fatalf("selections = %v, want 3", got)
	}

	m.Inbound(InboundAccepted)
	m.Inbound(InboundAccepted)
	m.Inbound(InboundInvalid)
	if got := testutil.ToFloat64(m.InboundFrames.WithLabelValues(InboundAccepted)); got != 2 {
		t.Fatalf("accepted = %v, want 2", got)
	}
	m.Disconnected("idle")
	if got := testutil.ToFloat64(m.Disconnects.WithLabelValues("idle")); got != 1 {
		t.Fatalf("idle disconnects = %v, want 1", got)
	}
}
