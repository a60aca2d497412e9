package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"meshrelay/internal/message"
	logx "meshrelay/pkg/logx"
)

const (
	DefaultAddr              = ":8080"
	DefaultWSPath            = "/ws"
	DefaultSocketBuffer      = 64
	DefaultIdleTimeout       = 45 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultInboundRatePerSec = 20
	DefaultMaxMessageBytes   = 64 << 10
	DefaultGlobalBuffer      = 256
	DefaultReportInterval    = 60 * time.Second
	DefaultReportBatch       = 100
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultSendTimeout       = 5 * time.Second
)

// Settings is Config with durations parsed and defaults filled in.
type Settings struct {
	Addr              string
	WSPath            string
	SocketBuffer      int
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	InboundRatePerSec float64
	InboundBurst      int
	MaxMessageBytes   int64
	Pprof             bool

	GlobalBuffer int

	ReportInterval    time.Duration
	ReportBatch       int
	ReportMessages    []message.Message
	KeepAliveInterval time.Duration
	SendTimeout       time.Duration
	Location          *time.Location

	Logging logx.Config

	TelegramToken    string
	TelegramChatID   int64
	TelegramThreadID int

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration
	StorageRetain      int
}

// Resolve validates cfg and applies defaults. All problems are joined into
// one error.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var errs []error
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		fail(err)
		return d
	}

	s := Settings{
		Addr:              orDefault(cfg.Server.Addr, DefaultAddr),
		WSPath:            orDefault(cfg.Server.WSPath, DefaultWSPath),
		SocketBuffer:      intOrDefault(cfg.Server.SocketBuffer, DefaultSocketBuffer),
		IdleTimeout:       dur("server.idle_timeout", cfg.Server.IdleTimeout, DefaultIdleTimeout),
		WriteTimeout:      dur("server.write_timeout", cfg.Server.WriteTimeout, DefaultWriteTimeout),
		InboundRatePerSec: cfg.Server.InboundRatePerSec,
		InboundBurst:      cfg.Server.InboundBurst,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		Pprof:             cfg.Server.Pprof,

		GlobalBuffer: intOrDefault(cfg.Broadcast.GlobalBuffer, DefaultGlobalBuffer),

		ReportInterval:    dur("manager.report_interval", cfg.Manager.ReportInterval, DefaultReportInterval),
		ReportBatch:       intOrDefault(cfg.Manager.ReportBatch, DefaultReportBatch),
		KeepAliveInterval: dur("manager.keepalive_interval", cfg.Manager.KeepAliveInterval, DefaultKeepAliveInterval),
		SendTimeout:       dur("manager.send_timeout", cfg.Manager.SendTimeout, DefaultSendTimeout),
		Location:          time.Local,

		Logging: logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
			Alert: logx.AlertConfig{
				Enabled:    cfg.Logging.Telegram.Enabled,
				MinLevel:   cfg.Logging.Telegram.MinLevel,
				RatePerSec: cfg.Logging.Telegram.RatePerSec,
			},
		},
		StorageDriver: "none",
	}

	if s.InboundRatePerSec <= 0 {
		s.InboundRatePerSec = DefaultInboundRatePerSec
	}
	if s.InboundBurst <= 0 {
		s.InboundBurst = int(s.InboundRatePerSec)
		if s.InboundBurst < 1 {
			s.InboundBurst = 1
		}
	}
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if !strings.HasPrefix(s.WSPath, "/") {
		fail(fmt.Errorf("server.ws_path: must start with '/' (got %q)", s.WSPath))
	}
	if cfg.Server.SocketBuffer < 0 {
		fail(errors.New("server.socket_buffer: must be >= 0"))
	}
	if cfg.Manager.ReportBatch < 0 {
		fail(errors.New("manager.report_batch: must be >= 0"))
	}

	if len(cfg.Manager.ReportMessages) == 0 {
		s.ReportMessages = []message.Message{message.RequestUptimeReport(), message.RequestBandwidthReport()}
	}
	for i, name := range cfg.Manager.ReportMessages {
		k, err := message.ParseKind(name)
		if err != nil || k == message.KindPayload {
			fail(fmt.Errorf("manager.report_messages[%d]: unsupported message %q", i, name))
			continue
		}
		s.ReportMessages = append(s.ReportMessages, message.Message{Kind: k})
	}

	if tz := strings.TrimSpace(cfg.Manager.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			fail(fmt.Errorf("manager.timezone: %w", err))
		} else {
			s.Location = loc
		}
	}

	if lvl := strings.TrimSpace(s.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		fail(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if tg := cfg.Logging.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			fail(errors.New("logging.telegram.token: required when enabled"))
		}
		if tg.ChatID == 0 {
			fail(errors.New("logging.telegram.chat_id: required when enabled"))
		}
		if lvl := strings.TrimSpace(tg.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
			fail(fmt.Errorf("logging.telegram.min_level: unknown level %q", lvl))
		}
		if tg.RatePerSec < 0 {
			fail(errors.New("logging.telegram.rate_per_sec: must be >= 0"))
		}
		s.TelegramToken = strings.TrimSpace(tg.Token)
		s.TelegramChatID = tg.ChatID
		s.TelegramThreadID = tg.ThreadID
	}

	if st := cfg.Storage; st != nil {
		driver := strings.ToLower(strings.TrimSpace(st.Driver))
		switch driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				fail(fmt.Errorf("storage.path: required for driver %q", driver))
			}
			s.StorageDriver = driver
		default:
			fail(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		s.StoragePath = strings.TrimSpace(st.Path)
		s.StorageBusyTimeout = dur("storage.busy_timeout", st.BusyTimeout, 0)
		s.StorageRetain = st.Retain
	}

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
