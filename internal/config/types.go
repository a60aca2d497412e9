package config

// Config is the on-disk shape (JSON or YAML). Durations are Go duration
// strings ("500ms", "15s", "1m"); use Resolve to get typed values with
// defaults applied.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Manager   ManagerConfig   `json:"manager"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

// ServerConfig controls the websocket/HTTP listener. Changes need a restart.
//
// Defaults:
//   - addr: ":8080"
//   - ws_path: "/ws"
//   - socket_buffer: 64
//   - idle_timeout: "45s"
//   - write_timeout: "10s"
//   - inbound_rate_per_sec: 20
//   - max_message_bytes: 65536
type ServerConfig struct {
	Addr              string  `json:"addr,omitempty"`
	WSPath            string  `json:"ws_path,omitempty"`
	SocketBuffer      int     `json:"socket_buffer,omitempty"`
	IdleTimeout       string  `json:"idle_timeout,omitempty"`
	WriteTimeout      string  `json:"write_timeout,omitempty"`
	InboundRatePerSec float64 `json:"inbound_rate_per_sec,omitempty"`
	InboundBurst      int     `json:"inbound_burst,omitempty"`
	MaxMessageBytes   int64   `json:"max_message_bytes,omitempty"`
	Pprof             bool    `json:"pprof,omitempty"`
}

type BroadcastConfig struct {
	// GlobalBuffer is each connection's global-channel capacity. Default 256.
	GlobalBuffer int `json:"global_buffer,omitempty"`
}

// ManagerConfig drives the report and keep-alive schedules. Hot-reloadable.
type ManagerConfig struct {
	ReportInterval    string   `json:"report_interval,omitempty"`
	ReportBatch       int      `json:"report_batch,omitempty"`
	ReportMessages    []string `json:"report_messages,omitempty"`
	KeepAliveInterval string   `json:"keepalive_interval,omitempty"`
	SendTimeout       string   `json:"send_timeout,omitempty"`
	Timezone          string   `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level    string                `json:"level"`
	Console  bool                  `json:"console"`
	File     LoggingFileConfig     `json:"file,omitempty"`
	Telegram LoggingTelegramConfig `json:"telegram,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingTelegramConfig mirrors high-severity log lines into a Telegram chat.
// min_level and rate_per_sec hot-reload; the bot target needs a restart.
//
// Defaults:
//   - min_level: "warn"
//   - rate_per_sec: 1
type LoggingTelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token,omitempty"`
	ChatID     int64   `json:"chat_id,omitempty"`
	ThreadID   int     `json:"thread_id,omitempty"`
	MinLevel   string  `json:"min_level,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects where report selections are recorded.
//
// Driver values: "none" (default), "file", "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retain      int    `json:"retain,omitempty"`
}
