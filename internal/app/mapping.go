package app

import (
	"fmt"
	"strings"
	"time"

	"tend/internal/api"
	"tend/internal/config"
	"tend/internal/delivery"
	"tend/internal/dispatcher"
	"tend/internal/housekeeping"
	"tend/internal/storage"
	logx "tend/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{Level: "info", Console: true}
	if cfg == nil {
		return lc
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		lc.Level = lvl
	}
	lc.Console = cfg.Logging.Console || !cfg.Logging.File.Enabled
	lc.File = logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: strings.TrimSpace(cfg.Logging.File.Path)}
	if lc.File.Enabled && lc.File.Path == "" {
		lc.File.Path = config.DefaultLogPath()
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := storage.Config{Driver: "sqlite"}
	if cfg == nil {
		sc.Path = config.DefaultDBPath()
		return sc, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		sc.Driver = "sqlite"
		sc.Path = strings.TrimSpace(cfg.Storage.Path)
		if sc.Path == "" {
			sc.Path = config.DefaultDBPath()
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		sc.BusyTimeout = busy
	case "memory", "mem":
		sc.Driver = "memory"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	return sc, nil
}

// mapDispatcherConfig also reports whether the loop should run.
func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, bool, error) {
	if cfg == nil {
		return dispatcher.Config{Interval: dispatcher.DefaultInterval, DeliverTimeout: dispatcher.DefaultDeliverTimeout}, true, nil
	}
	dc := cfg.Dispatcher
	interval, err := config.ParseDurationAtLeast("dispatcher.interval", dc.Interval, dispatcher.DefaultInterval, 100*time.Millisecond)
	if err != nil {
		return dispatcher.Config{}, false, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatcher.deliver_timeout", dc.DeliverTimeout, dispatcher.DefaultDeliverTimeout)
	if err != nil {
		return dispatcher.Config{}, false, err
	}
	return dispatcher.Config{Interval: interval, DeliverTimeout: timeout}, config.BoolOr(dc.Enabled, true), nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	var out delivery.Config
	if cfg == nil {
		return out, nil
	}
	dc := cfg.Delivery
	if dc.Workers < 0 || dc.QueueSize < 0 || dc.RatePerSec < 0 || dc.RetryMax < 0 || dc.HistorySize < 0 {
		return delivery.Config{}, fmt.Errorf("delivery: workers, queue_size, rate_per_sec, retry_max and history_size must be >= 0")
	}
	base, err := config.ParseDurationField("delivery.retry_base", dc.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("delivery.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	out.Workers = dc.Workers
	out.QueueSize = dc.QueueSize
	out.RatePerSec = dc.RatePerSec
	out.RetryMax = dc.RetryMax
	out.RetryBase = base
	out.RetryMaxDelay = maxDelay
	out.HistorySize = dc.HistorySize
	return out, nil
}

// buildBackends turns the delivery section into backends. Console is on by
// default only when nothing else is.
func buildBackends(cfg *config.Config, log logx.Logger) ([]delivery.Backend, error) {
	var dc config.DeliveryConfig
	if cfg != nil {
		dc = cfg.Delivery
	}
	var out []delivery.Backend

	if dc.Desktop.Enabled {
		timeout, err := config.ParseDurationField("delivery.desktop.timeout", dc.Desktop.Timeout)
		if err != nil {
			return nil, err
		}
		appName := strings.TrimSpace(dc.Desktop.AppName)
		if appName == "" {
			appName = "tend"
		}
		b, err := delivery.NewDesktop(delivery.DesktopConfig{AppName: appName, Timeout: timeout})
		if err != nil {
			// Headless host: skip it so console takes over unless disabled.
			log.Warn("desktop notifications unavailable", logx.Err(err))
		} else {
			out = append(out, b)
		}
	}

	if dc.Telegram.Enabled {
		b, err := delivery.NewTelegram(delivery.TelegramConfig{
			Token:    strings.TrimSpace(dc.Telegram.Token),
			ChatID:   dc.Telegram.ChatID,
			ThreadID: dc.Telegram.ThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("delivery.telegram: %w", err)
		}
		out = append(out, b)
	}

	if config.BoolOr(dc.Console, len(out) == 0) {
		out = append(out, delivery.NewConsole(log))
	}
	return out, nil
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	if cfg == nil {
		return housekeeping.Config{}, nil
	}
	hc := cfg.Housekeeping
	retain, err := config.ParseDurationOrDefault("housekeeping.retain", hc.Retain, housekeeping.DefaultRetain)
	if err != nil {
		return housekeeping.Config{}, err
	}
	if tz := strings.TrimSpace(hc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return housekeeping.Config{}, fmt.Errorf("housekeeping.timezone: invalid %q: %w", tz, err)
		}
	}
	return housekeeping.Config{
		Enabled:   hc.Enabled,
		Timezone:  strings.TrimSpace(hc.Timezone),
		PruneSpec: strings.TrimSpace(hc.PruneSpec),
		Retain:    retain,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	if cfg == nil {
		return api.Config{}, nil
	}
	ac := cfg.API
	addr := strings.TrimSpace(ac.Addr)
	if addr == "" {
		addr = api.DefaultAddr
	}
	return api.Config{
		Enabled:      ac.Enabled,
		Addr:         addr,
		Token:        strings.TrimSpace(ac.Token),
		Pprof:        ac.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}, nil
}

// validate rejects a config before it is committed (startup and hot reload).
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if cfg != nil && cfg.Delivery.Telegram.Enabled {
		if strings.TrimSpace(cfg.Delivery.Telegram.Token) == "" || cfg.Delivery.Telegram.ChatID == 0 {
			return fmt.Errorf("delivery.telegram: token and chat_id are required when enabled")
		}
	}
	if cfg != nil && cfg.Delivery.Desktop.Enabled {
		if _, err := config.ParseDurationField("delivery.desktop.timeout", cfg.Delivery.Desktop.Timeout); err != nil {
			return err
		}
	}
	hc, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return err
	}
	if hc.PruneSpec != "" {
		if err := housekeeping.ValidateSpec(hc.PruneSpec); err != nil {
			return fmt.Errorf("housekeeping.prune_spec: %w", err)
		}
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	return nil
}
