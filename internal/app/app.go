package app

import (
	"context"
	"fmt"
	"time"

	"tend/internal/api"
	"tend/internal/config"
	"tend/internal/delivery"
	"tend/internal/dispatcher"
	"tend/internal/eventbus"
	"tend/internal/housekeeping"
	rtsup "tend/internal/runtime/supervisor"
	"tend/internal/schedule"
	"tend/internal/storage"
	"tend/internal/suppression"
	logx "tend/pkg/logx"
)

// App wires the daemon: store, suppression, dispatcher, delivery,
// housekeeping and the HTTP API, plus config hot reload and systemd
// notifications.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store schedule.Store
	supp  *suppression.State
	disp  *dispatcher.Dispatcher
	deliv *delivery.Service
	hk    *housekeeping.Service
	api   *api.Server
	sd    sdNotifier

	dispEnabled bool
	dispCancel  context.CancelFunc
	dispDone    chan struct{}

	startedAt time.Time
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a, err := build(cfg, store, log, bus)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build assembles the components around an already-open store.
func build(cfg *config.Config, store schedule.Store, log logx.Logger, bus eventbus.Bus) (*App, error) {
	a := &App{
		log:   log.With(logx.String("comp", "app")),
		bus:   bus,
		store: store,
		sd:    sdNotifier{enabled: cfg.Systemd.Notify, log: log.With(logx.String("comp", "systemd"))},
	}
	a.supp = suppression.New(store, bus)

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	backends, err := buildBackends(cfg, log.With(logx.String("comp", "delivery.console")))
	if err != nil {
		return nil, err
	}
	a.deliv = delivery.New(dcfg, backends, log.With(logx.String("comp", "delivery")), bus)

	dispCfg, enabled, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.dispEnabled = enabled
	a.disp = dispatcher.New(dispCfg, store, a.supp, a.deliv, log.With(logx.String("comp", "dispatcher")),
		dispatcher.WithObserver(eventbus.ChangeNotifier{Bus: bus}),
	)

	hcfg, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.hk = housekeeping.New(hcfg, store, log.With(logx.String("comp", "housekeeping")), bus)

	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.api = api.New(acfg, api.Deps{
		Store:       store,
		MeetingMode: a.supp,
		Dispatcher:  a.disp,
		Bus:         bus,
		Health:      func() any { return a.Health() },
	}, log.With(logx.String("comp", "api")))
	return a, nil
}

func (a *App) Store() schedule.Store              { return a.store }
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.disp }
func (a *App) MeetingMode() *suppression.State    { return a.supp }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) API() *api.Server                   { return a.api }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		// transactional config reload: validate before commit/publish
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	}

	// Warm the suppression cache so /api/health is accurate before the first tick.
	if _, err := a.supp.MeetingMode(ctx); err != nil {
		a.log.Warn("meeting mode read failed at startup; treating as off", logx.Err(err))
	}

	a.deliv.Start(a.sup.Context())
	if err := a.hk.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}

	if a.dispEnabled {
		dctx, cancel := context.WithCancel(a.sup.Context())
		done := make(chan struct{})
		a.dispCancel = cancel
		a.dispDone = done
		a.sup.Go("dispatcher", func(context.Context) error {
			defer close(done)
			return a.disp.Run(dctx, 0)
		})
	} else {
		a.log.Warn("dispatcher disabled via config; notifications will not be delivered")
	}

	a.api.Start(a.sup.Context())

	// Keep this debug-level to avoid noise: delivery events fire per message.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	}

	a.sd.notifyReady()
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	a.log.Info("app started", logx.Bool("dispatcher", a.dispEnabled),
		logx.Any("backends", a.deliv.BackendNames()), logx.Bool("api", a.api.Enabled()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.notifyStopping()

	// Producers first, then the loop, then the pipeline it feeds.
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "dispatcher", 3*time.Second, func(c context.Context) error {
		if a.dispCancel == nil {
			return nil
		}
		a.dispCancel()
		select {
		case <-a.dispDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "delivery", 3*time.Second, func(c context.Context) error { a.deliv.Stop(c); return nil })
	a.step(ctx, "housekeeping", 1*time.Second, func(c context.Context) error { a.hk.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; report if it finishes late.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
