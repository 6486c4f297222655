// Package housekeeping prunes long-delivered notifications on a cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tend/internal/eventbus"
	logx "tend/pkg/logx"
)

const (
	DefaultPruneSpec = "0 3 * * *"
	DefaultRetain    = 30 * 24 * time.Hour

	runTimeout = 30 * time.Second
)

// Config controls the prune job.
type Config struct {
	Enabled   bool
	Timezone  string
	PruneSpec string
	Retain    time.Duration
}

// Pruner deletes delivered notifications older than before.
type Pruner interface {
	PruneDelivered(ctx context.Context, before time.Time) (int64, error)
}

// Result is the outcome of one prune run.
type Result struct {
	At     time.Time `json:"at"`
	Before time.Time `json:"before"`
	Pruned int64     `json:"pruned"`
	Error  string    `json:"error,omitempty"`
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store Pruner

	c    *cron.Cron
	base context.Context
	last Result

	// now is the time source for retention cutoffs.
	now func() time.Time
}

func New(cfg Config, store Pruner, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   withDefaults(cfg),
		log:   log,
		bus:   bus,
		store: store,
		now:   time.Now,
	}
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.PruneSpec) == "" {
		cfg.PruneSpec = DefaultPruneSpec
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	return cfg
}

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a cron expression the prune job accepts.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("prune spec %q: %w", spec, err)
	}
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config and re-registers the job when running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = withDefaults(cfg)
	if s.c == nil {
		return
	}
	if !s.cfg.Enabled {
		s.stopLocked()
		return
	}
	if old.PruneSpec != s.cfg.PruneSpec || strings.TrimSpace(old.Timezone) != strings.TrimSpace(s.cfg.Timezone) {
		s.stopLocked()
		if err := s.startLocked(); err != nil {
			s.log.Error("housekeeping restart failed", logx.Err(err))
		}
	}
}

// Start registers the prune job. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := s.loadLocationLocked()
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	spec := s.cfg.PruneSpec
	if _, err := c.AddFunc(spec, s.runScheduled); err != nil {
		return fmt.Errorf("prune spec %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	next := c.Entries()[0].Next
	s.log.Info("housekeeping scheduled", logx.String("spec", spec), logx.String("tz", loc.String()),
		logx.Duration("retain", s.cfg.Retain), logx.Time("next", next))
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid housekeeping timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop unregisters the job and waits for a running prune until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) stopLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
}

// Next returns the next scheduled run, zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Last returns the most recent run result.
func (s *Service) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) runScheduled() {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, runTimeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}

// RunOnce prunes delivered notifications older than the retention window.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	retain := s.cfg.Retain
	s.mu.Unlock()

	now := s.now()
	res := Result{At: now, Before: now.Add(-retain)}
	n, err := s.store.PruneDelivered(ctx, res.Before)
	res.Pruned = n
	if err != nil {
		res.Error = err.Error()
		s.log.Warn("housekeeping prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("pruned delivered notifications", logx.Int64("count", n), logx.Time("before", res.Before))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.HousekeepingPruned, Time: now, Data: res})
		}
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, err
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
