package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings (e.g. "1500ms", "10s", "720h").
// Omitted fields fall back to defaults applied by internal/app when the
// config is mapped onto service configs.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Dispatcher   DispatcherConfig   `json:"dispatcher"`
	Storage      StorageConfig      `json:"storage"`
	Delivery     DeliveryConfig     `json:"delivery"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	API          APIConfig          `json:"api"`
	Systemd      SystemdConfig      `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatcherConfig controls the delivery loop.
//
// Enabled is a pointer so "omitted" (default true) differs from an explicit false.
//
// Defaults:
//   - interval: "1.5s"
//   - deliver_timeout: "5s"
type DispatcherConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Interval       string `json:"interval,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	storage: { driver: sqlite, path: ~/.local/share/tend/tend.db }
//
// driver "memory" keeps everything in-process (useful for trying things out).
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DeliveryConfig controls the async delivery pipeline and its backends.
type DeliveryConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`

	// Console logs each delivery at info level. Defaults to true when
	// no other backend is enabled.
	Console  *bool           `json:"console,omitempty"`
	Desktop  DesktopConfig   `json:"desktop"`
	Telegram TelegramBackend `json:"telegram"`
}

type DesktopConfig struct {
	Enabled bool   `json:"enabled"`
	AppName string `json:"app_name,omitempty"`
	// Timeout is how long the toast stays visible ("0s" = server default).
	Timeout string `json:"timeout,omitempty"`
}

type TelegramBackend struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// HousekeepingConfig prunes old delivered notifications on a cron schedule.
//
// Defaults:
//   - prune_spec: "0 3 * * *"
//   - retain: "720h"
type HousekeepingConfig struct {
	Enabled   bool   `json:"enabled"`
	Timezone  string `json:"timezone,omitempty"`
	PruneSpec string `json:"prune_spec,omitempty"`
	Retain    string `json:"retain,omitempty"`
}

// APIConfig controls the local HTTP control surface.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback addr requires Token (sent as "Authorization: Bearer <token>").
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8765"
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
