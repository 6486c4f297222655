package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tend/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol when running as a Type=notify unit.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
}

func (n sdNotifier) send(state string) bool {
	if !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (n sdNotifier) notifyReady() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Info("systemd notified ready")
	}
}

func (n sdNotifier) notifyStopping() { n.send(daemon.SdNotifyStopping) }

// watchdogLoop pings the systemd watchdog at half its interval while the
// dispatcher keeps ticking. A wedged loop stops the pings and lets systemd
// restart the unit.
func (a *App) watchdogLoop(ctx context.Context) {
	if !a.sd.enabled {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.sd.log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sd.log.Info("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if a.dispEnabled && !ticksFresh(a.disp.Stats(), now) {
				a.sd.log.Warn("dispatcher ticks stale; withholding watchdog ping")
				continue
			}
			a.sd.send(daemon.SdNotifyWatchdog)
		}
	}
}
