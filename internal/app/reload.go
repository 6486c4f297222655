package app

import (
	"context"
	"strings"

	"tend/internal/config"
	logx "tend/pkg/logx"
)

// reloadLoop fans validated config updates out to the components.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range config.RestartRequired(sections) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(next))
	}

	if dcfg, enabled, err := mapDispatcherConfig(next); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
		if enabled != a.dispEnabled {
			a.log.Warn("dispatcher.enabled changed; restart required for changes to take effect")
		}
	}

	a.applyDelivery(next)

	if hcfg, err := mapHousekeepingConfig(next); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	} else {
		a.hk.Apply(hcfg)
		if err := a.hk.Start(ctx); err != nil {
			a.log.Warn("housekeeping start failed", logx.Err(err))
		}
	}

	if acfg, err := mapAPIConfig(next); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, acfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyDelivery(next *config.Config) {
	dcfg, err := mapDeliveryConfig(next)
	if err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		return
	}
	backends, err := buildBackends(next, a.log.With(logx.String("comp", "delivery.console")))
	if err != nil {
		a.log.Warn("invalid delivery backends; keeping previous", logx.Err(err))
		return
	}
	a.deliv.Apply(dcfg)
	a.deliv.SetBackends(backends)
}
