package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "tend/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging. Secrets (telegram and API tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled == nil || *newCfg.Dispatcher.Enabled),
			logx.String("dispatcher.interval", strings.TrimSpace(newCfg.Dispatcher.Interval)),
			logx.String("dispatcher.deliver_timeout", strings.TrimSpace(newCfg.Dispatcher.DeliverTimeout)),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if deliveryChanged(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Int("delivery.queue_size", newCfg.Delivery.QueueSize),
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Bool("delivery.desktop", newCfg.Delivery.Desktop.Enabled),
			logx.Bool("delivery.telegram", newCfg.Delivery.Telegram.Enabled),
			logx.Bool("delivery.telegram_token_set", strings.TrimSpace(newCfg.Delivery.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", newCfg.Housekeeping.Enabled),
			logx.String("housekeeping.prune_spec", strings.TrimSpace(newCfg.Housekeeping.PruneSpec)),
			logx.String("housekeeping.retain", strings.TrimSpace(newCfg.Housekeeping.Retain)),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.pprof", newCfg.API.Pprof),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after restart.
func RestartRequired(sections []string) []string {
	out := make([]string, 0, 2)
	for _, s := range sections {
		switch s {
		case "storage", "systemd":
			out = append(out, s)
		}
	}
	return out
}

func deliveryChanged(a, b DeliveryConfig) bool {
	// Compare token by presence + hash so the token value never needs to be logged.
	at, bt := a.Telegram.Token, b.Telegram.Token
	a.Telegram.Token, b.Telegram.Token = "", ""
	if !reflect.DeepEqual(a, b) {
		return true
	}
	return hashBytes([]byte(at)) != hashBytes([]byte(bt))
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
