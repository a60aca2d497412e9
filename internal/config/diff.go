package config

import (
	"reflect"
	"strings"

	logx "meshrelay/pkg/logx"
)

// Sections that apply without a restart.
var hotReloadable = map[string]bool{
	"logging": true,
	"manager": true,
}

// SummarizeConfigChange returns the changed top-level sections, log attrs
// describing the new values, and the subset of changed sections that only
// take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !hotReloadable[section] {
			restart = append(restart, section)
		}
	}

	if oldCfg.Server != newCfg.Server {
		mark("server",
			logx.String("server.addr", newCfg.Server.Addr),
			logx.String("server.ws_path", newCfg.Server.WSPath),
			logx.Int("server.socket_buffer", newCfg.Server.SocketBuffer),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
		)
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		mark("broadcast", logx.Int("broadcast.global_buffer", newCfg.Broadcast.GlobalBuffer))
	}
	if !reflect.DeepEqual(oldCfg.Manager, newCfg.Manager) {
		mark("manager",
			logx.String("manager.report_interval", newCfg.Manager.ReportInterval),
			logx.Int("manager.report_batch", newCfg.Manager.ReportBatch),
			logx.String("manager.keepalive_interval", newCfg.Manager.KeepAliveInterval),
			logx.String("manager.send_timeout", newCfg.Manager.SendTimeout),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
		if telegramTarget(oldCfg.Logging.Telegram) != telegramTarget(newCfg.Logging.Telegram) {
			restart = append(restart, "logging.telegram")
		}
	}
	oldSt, newSt := storageOrZero(oldCfg.Storage), storageOrZero(newCfg.Storage)
	if oldSt != newSt {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(newSt.Driver)),
			logx.String("storage.path", strings.TrimSpace(newSt.Path)),
		)
	}
	return changed, attrs, restart
}

func storageOrZero(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// telegramTarget drops the hot-reloadable knobs.
func telegramTarget(c LoggingTelegramConfig) LoggingTelegramConfig {
	c.MinLevel = ""
	c.RatePerSec = 0
	return c
}
