package app

import (
	"fmt"

	"tend/internal/config"
	"tend/internal/schedule"
	"tend/internal/storage"
	"tend/internal/suppression"
	logx "tend/pkg/logx"
)

// Local gives one-shot CLI commands the configured store without starting
// the daemon. A running daemon sees the changes on its next tick.
type Local struct {
	Config      *config.Config
	Store       schedule.Store
	MeetingMode *suppression.State
}

func OpenLocal(cfgPath string, log logx.Logger) (*Local, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if sc.Driver == "memory" {
		log.Warn("storage.driver is memory; CLI changes are not shared with a running daemon")
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	return &Local{Config: cfg, Store: st, MeetingMode: suppression.New(st, nil)}, nil
}

func (l *Local) Close() error { return l.Store.Close() }
