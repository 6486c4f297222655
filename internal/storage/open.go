package storage

import (
	"fmt"
	"strings"

	"tend/internal/schedule"
	logx "tend/pkg/logx"
)

// Open initializes the configured schedule store.
func Open(cfg Config, log logx.Logger) (schedule.Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
