package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type chanSender struct {
	ch  chan string
	err error
}

func (c *chanSender) SendAlert(_ context.Context, text string) error {
	c.ch <- text
	return c.err
}

func fileConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "test.log")},
	}
}

func TestNewWriterFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Info("shown", Int("n", 3), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "test" || m["message"] != "shown" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if n, _ := m["n"].(float64); n != 3 {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop() is not the zero value")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lvl := range []string{"", "trace", "DEBUG", " info ", "warning", "error"} {
		if !ValidLevel(lvl) {
			t.Errorf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Error("ValidLevel(loud) = true")
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	t.Parallel()
	cfg := fileConfig(t)
	cfg.Level = "warn"
	svc, log := New(cfg)
	defer svc.Close()

	log.Info("before")
	cfg.Level = "info"
	svc.Apply(cfg)
	log.Info("after")
	svc.Close()

	data, err := os.ReadFile(cfg.File.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "before") || !strings.Contains(string(data), "after") {
		t.Fatalf("unexpected log file content: %s", data)
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"2024-01-01T00:00:00Z","message":"send failed","key":"a","err":"closed"}`
	got := formatAlert([]byte(line))
	want := "[WARN] send failed\n- err=closed\n- key=a"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}

	if got := formatAlert([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw fallback = %q", got)
	}
	long := formatAlert([]byte(`{"message":"` + strings.Repeat("x", 5000) + `"}`))
	if len(long) != alertMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("truncated len = %d", len(long))
	}
}

func TestAlertSinkRoutesByLevel(t *testing.T) {
	t.Parallel()
	cfg := fileConfig(t)
	cfg.Alert = AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}
	svc, log := New(cfg)
	defer svc.Close()

	sender := &chanSender{ch: make(chan string, 4)}
	svc.SetAlertSender(sender)

	log.Warn("below threshold")
	log.Error("relay down", String("addr", ":8080"))

	select {
	case text := <-sender.ch:
		if !strings.HasPrefix(text, "[ERROR] relay down") || !strings.Contains(text, "- addr=:8080") {
			t.Fatalf("alert text = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
	}
	select {
	case text := <-sender.ch:
		t.Fatalf("unexpected second alert %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAlertSenderFailuresAreCounted(t *testing.T) {
	t.Parallel()
	cfg := fileConfig(t)
	cfg.Alert = AlertConfig{Enabled: true, RatePerSec: 100}
	svc, log := New(cfg)
	defer svc.Close()

	sender := &chanSender{ch: make(chan string, 1), err: errors.New("api down")}
	svc.SetAlertSender(sender)
	log.Warn("one")
	<-sender.ch

	deadline := time.Now().Add(2 * time.Second)
	for svc.AlertFailures() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("failures = %d, want 1", svc.AlertFailures())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAlertRateLimitDrops(t *testing.T) {
	t.Parallel()
	cfg := fileConfig(t)
	cfg.Alert = AlertConfig{Enabled: true, RatePerSec: 1}
	svc, log := New(cfg)
	defer svc.Close()

	sender := &chanSender{ch: make(chan string, 8)}
	svc.SetAlertSender(sender)
	for range 5 {
		log.Warn("flood")
	}
	if got := svc.AlertsDropped(); got != 4 {
		t.Fatalf("dropped = %d, want 4", got)
	}
}

func TestAlertsDisabledWithoutSender(t *testing.T) {
	t.Parallel()
	cfg := fileConfig(t)
	cfg.Alert = AlertConfig{Enabled: true}
	svc, log := New(cfg)
	log.Error("nobody listening")
	if got := svc.AlertsDropped(); got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
