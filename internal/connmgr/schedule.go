package connmgr

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"meshrelay/internal/message"
)

const (
	DefaultReportInterval    = 60 * time.Second
	DefaultReportBatch       = 100
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultSendTimeout       = 5 * time.Second
)

// Schedule is the externally supplied timing of both loops.
type Schedule struct {
	ReportInterval    time.Duration
	ReportBatch       int
	ReportMessages    []message.Message
	KeepAliveInterval time.Duration
	// SendTimeout bounds the private-channel sends of one report tick.
	SendTimeout time.Duration
}

func DefaultSchedule() Schedule {
	return Schedule{
		ReportInterval:    DefaultReportInterval,
		ReportBatch:       DefaultReportBatch,
		ReportMessages:    DefaultReportMessages(),
		KeepAliveInterval: DefaultKeepAliveInterval,
		SendTimeout:       DefaultSendTimeout,
	}
}

func DefaultReportMessages() []message.Message {
	return []message.Message{message.RequestUptimeReport(), message.RequestBandwidthReport()}
}

// withDefaults fills zero fields.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.ReportInterval <= 0 {
		s.ReportInterval = d.ReportInterval
	}
	if s.ReportBatch <= 0 {
		s.ReportBatch = d.ReportBatch
	}
	if len(s.ReportMessages) == 0 {
		s.ReportMessages = d.ReportMessages
	}
	if s.KeepAliveInterval <= 0 {
		s.KeepAliveInterval = d.KeepAliveInterval
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = d.SendTimeout
	}
	return s
}

// everySchedule fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type everySchedule struct {
	every time.Duration
}

var _ cron.Schedule = everySchedule{}

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

func (s everySchedule) String() string { return fmt.Sprintf("@every %s", s.every) }
