package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig routes high-severity log lines to an AlertSender.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string  // default "warn"
	RatePerSec float64 // default 1
}

// AlertSender delivers one rendered alert. Implementations may block; the
// service calls them from a single background worker.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	alertQueueSize = 256
	alertSendLimit = 10 * time.Second
	alertMaxLen    = 3500
)

// SetAlertSender installs the alert destination. Passing nil disables alerts
// regardless of config.
func (s *Service) SetAlertSender(sender AlertSender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
	s.alertOnce.Do(s.startAlertWorker)
}

func (s *Service) startAlertWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.alertCancel = cancel
	s.alertWG.Add(1)
	go func() {
		defer s.alertWG.Done()
		s.alertWorker(ctx)
	}()
}

func (s *Service) alertWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.alerts:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, alertSendLimit)
			if err := sender.SendAlert(sendCtx, text); err != nil {
				// Logging the failure through the service would loop back here.
				s.alertErrors.Add(1)
			}
			cancel()
		}
	}
}

func (s *Service) stopAlertWorker() {
	// Also blocks a later SetAlertSender from starting a worker.
	s.alertOnce.Do(func() {})
	if s.alertCancel != nil {
		s.alertCancel()
		s.alertWG.Wait()
	}
}

// AlertFailures counts alerts the sender rejected.
func (s *Service) AlertFailures() uint64 { return s.alertErrors.Load() }

// AlertsDropped counts alerts discarded because the queue was full or the
// rate limit was hit.
func (s *Service) AlertsDropped() uint64 { return s.alertDrops.Load() }

func (s *Service) enqueueAlert(text string) {
	select {
	case s.alerts <- text:
	default:
		s.alertDrops.Add(1)
	}
}

// applyAlertLocked refreshes the alert knobs. Caller holds s.mu.
func (s *Service) applyAlertLocked(cfg AlertConfig) {
	s.alertMin = levelOr(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	} else {
		s.limiter.SetLimit(rate.Limit(rps))
		s.limiter.SetBurst(burst)
	}
}

// alertWriter is the zerolog sink feeding the alert queue.
type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	sender := s.sender
	lim := s.limiter
	minLevel := s.alertMin
	s.mu.Unlock()

	if sender == nil || lim == nil || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		s.alertDrops.Add(1)
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		s.enqueueAlert(text)
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as
//
//	[WARN] message
//	- key=value
//
// with keys sorted and long values truncated.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), alertMaxLen)
	}

	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, 900))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, 600))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
