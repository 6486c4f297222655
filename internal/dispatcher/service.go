package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tend/internal/eventbus"
	"tend/internal/schedule"
	logx "tend/pkg/logx"
)

// Dispatcher owns the delivery loop. Tick may be called directly (tests,
// one-shot CLI runs); Run drives it on the configured interval.
type Dispatcher struct {
	store Store
	supp  Suppression
	sink  Sink
	log   logx.Logger

	clock     Clock
	loc       *time.Location
	observers []Observer

	mu  sync.Mutex
	cfg Config

	state   atomic.Int32
	running atomic.Bool
	tickMu  sync.Mutex
	kick    chan struct{}

	smu   sync.Mutex
	stats Stats
}

type Option func(*Dispatcher)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithLocation sets the zone scheduled times are parsed in (default time.Local).
func WithLocation(loc *time.Location) Option {
	return func(d *Dispatcher) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithObserver registers an observer signalled after changing ticks.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

func New(cfg Config, store Store, supp Suppression, sink Sink, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		store: store,
		supp:  supp,
		sink:  sink,
		log:   log,
		clock: SystemClock,
		loc:   time.Local,
		cfg:   cfg.withDefaults(),
		kick:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps the reloadable settings. A running loop picks up the new
// interval after its current wait.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Dispatcher) State() State { return State(d.state.Load()) }

func (d *Dispatcher) setState(s State) {
	// Stopped is terminal.
	for {
		cur := d.state.Load()
		if State(cur) == StateStopped {
			return
		}
		if d.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Poke asks a running loop to tick now instead of waiting out the interval.
func (d *Dispatcher) Poke() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Stats returns a copy of the running counters.
func (d *Dispatcher) Stats() Stats {
	d.smu.Lock()
	st := d.stats
	d.smu.Unlock()
	st.State = d.State().String()
	st.Interval = d.config().Interval
	return st
}

// Run ticks, then waits for the interval (or a Poke) until ctx is done.
// interval <= 0 uses the configured interval, re-read before every wait.
// A cancelled ctx lets the current tick finish or abandon its remaining
// records; no new tick starts. Run returns nil on a clean stop.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if d.State() == StateStopped {
		return ErrStopped
	}
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer func() {
		d.state.Store(int32(StateStopped))
		d.running.Store(false)
		d.log.Info("dispatcher stopped")
	}()

	d.log.Info("dispatcher started", logx.Duration("interval", d.waitFor(interval)))
	for {
		if ctx.Err() != nil {
			return nil
		}
		d.Tick(ctx)

		t := time.NewTimer(d.waitFor(interval))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-d.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

func (d *Dispatcher) waitFor(interval time.Duration) time.Duration {
	if interval > 0 {
		return interval
	}
	return d.config().Interval
}

// Tick runs one poll/decide/deliver pass and reports what it did.
// Ticks never overlap.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()
	defer d.setState(StateIdle)

	cfg := d.config()
	rep := TickReport{ID: uuid.NewString()}
	log := d.log.With(logx.String("tick", rep.ID))

	d.setState(StatePolling)
	now := d.clock.Now()
	rep.At = now

	pending, err := d.store.FetchPending(ctx)
	if err != nil {
		rep.Err = fmt.Errorf("fetch pending: %w", err)
		log.Warn("tick fetch failed", logx.Err(err))
		d.record(rep, 1, 0)
		return rep
	}
	rep.Fetched = len(pending)

	d.setState(StateDeciding)
	var suppErrs uint64
	mode, err := d.meetingMode(ctx)
	if err != nil {
		// Fail open: a missed urgent alert is worse than an extra reminder.
		suppErrs++
		mode = false
		log.Warn("meeting mode read failed; treating as off", logx.Err(err))
	}
	rep.MeetingMode = mode

	for _, n := range pending {
		if ctx.Err() != nil {
			rep.Abandoned = true
			log.Debug("tick abandoned", logx.Int("remaining", rep.Fetched-d.handled(rep)))
			break
		}
		d.process(ctx, log, cfg, now, mode, n, &rep)
	}

	if rep.Changed() {
		d.notify(log, eventbus.ChangeSummary{
			Source:    "dispatcher",
			TickID:    rep.ID,
			Delivered: rep.Delivered,
			Discarded: rep.Discarded,
		})
	}
	d.record(rep, 0, suppErrs)
	return rep
}

func (d *Dispatcher) handled(rep TickReport) int {
	return len(rep.Delivered) + len(rep.Discarded) + rep.Suppressed + rep.Refused + rep.NotDue + rep.MarkErrors
}

func (d *Dispatcher) meetingMode(ctx context.Context) (on bool, err error) {
	if d.supp == nil {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			on, err = false, fmt.Errorf("meeting mode panic: %v", r)
		}
	}()
	return d.supp.MeetingMode(ctx)
}

// process applies the due/suppression policy to one record. A panic here is
// confined to the record.
func (d *Dispatcher) process(ctx context.Context, log logx.Logger, cfg Config, now time.Time, mode bool, n schedule.Notification, rep *TickReport) {
	defer func() {
		if r := recover(); r != nil {
			rep.SinkErrors++
			log.Error("record processing panicked",
				logx.Int64("id", n.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	at, err := n.ScheduledTime(d.loc)
	if err != nil {
		log.Warn("discarding notification with invalid time",
			logx.Int64("id", n.ID), logx.String("scheduled_at", n.At), logx.Err(err))
		if d.mark(ctx, log, n.ID, now, rep) {
			rep.Discarded = append(rep.Discarded, n.ID)
		}
		return
	}

	if now.Before(at) {
		// No early break: the rest of the snapshot is still checked.
		rep.NotDue++
		return
	}

	if !n.Urgent && mode {
		rep.Suppressed++
		log.Debug("notification suppressed by meeting mode", logx.Int64("id", n.ID), logx.String("title", n.Title))
		return
	}

	d.setState(StateDelivering)
	err = d.deliver(ctx, cfg.DeliverTimeout, Delivery{
		ID:      n.ID,
		Title:   n.Title,
		Message: n.Message,
		Urgent:  n.Urgent,
		At:      at,
	})
	d.setState(StateDeciding)
	if err != nil {
		if ctx.Err() != nil {
			// Stopped mid hand-off; the record stays pending for the next run.
			log.Warn("delivery interrupted by shutdown", logx.Int64("id", n.ID), logx.Err(err))
			rep.Abandoned = true
			return
		}
		if errors.Is(err, ErrNotAccepted) {
			rep.Refused++
			log.Warn("sink refused delivery; keeping pending", logx.Int64("id", n.ID), logx.Err(err))
			return
		}
		rep.SinkErrors++
		log.Warn("sink delivery failed", logx.Int64("id", n.ID), logx.Err(err))
	}
	if d.mark(ctx, log, n.ID, now, rep) {
		rep.Delivered = append(rep.Delivered, n.ID)
		log.Info("notification delivered",
			logx.Int64("id", n.ID), logx.String("title", n.Title), logx.Bool("urgent", n.Urgent),
			logx.Duration("late", now.Sub(at)))
	}
}

// deliver bounds the sink call so a hanging sink cannot stall the loop.
func (d *Dispatcher) deliver(ctx context.Context, timeout time.Duration, dl Delivery) error {
	if d.sink == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sink panic: %v", r)
			}
		}()
		done <- d.sink.Deliver(cctx, dl)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrSinkTimeout, timeout)
		}
		return cctx.Err()
	}
}

// mark commits the delivered transition. It survives ctx cancellation so a
// record handed to the sink is not handed over again after a stop.
func (d *Dispatcher) mark(ctx context.Context, log logx.Logger, id int64, now time.Time, rep *TickReport) bool {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	changed, err := d.store.MarkDelivered(mctx, id, now)
	if err != nil {
		rep.MarkErrors++
		log.Warn("mark delivered failed", logx.Int64("id", id), logx.Err(err))
		return false
	}
	if !changed {
		log.Debug("notification already delivered", logx.Int64("id", id))
	}
	return changed
}

func (d *Dispatcher) notify(log logx.Logger, sum eventbus.ChangeSummary) {
	for _, o := range d.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn("observer panicked", logx.Any("panic", r))
				}
			}()
			o.NotifyChanged(sum)
		}()
	}
}

func (d *Dispatcher) record(rep TickReport, storeErrs, suppErrs uint64) {
	d.smu.Lock()
	defer d.smu.Unlock()
	d.stats.Ticks++
	d.stats.LastTickID = rep.ID
	d.stats.LastTickAt = time.Now()
	d.stats.Delivered += uint64(len(rep.Delivered))
	d.stats.Discarded += uint64(len(rep.Discarded))
	d.stats.Suppressed = rep.Suppressed
	d.stats.Refused += uint64(rep.Refused)
	d.stats.SinkErrors += uint64(rep.SinkErrors)
	d.stats.StoreErrors += storeErrs + uint64(rep.MarkErrors)
	d.stats.MeetingModeErr += suppErrs
	if rep.Err != nil {
		d.stats.LastError = rep.Err.Error()
	}
}
