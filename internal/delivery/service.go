package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tend/internal/dispatcher"
	"tend/internal/eventbus"
	rtsup "tend/internal/runtime/supervisor"
	logx "tend/pkg/logx"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

// Service implements an async delivery pipeline:
// queue + worker pool + rate limit + retry + history.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	backends []Backend

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Message
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, backends []Backend, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, backends: backends}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps config. Worker and queue sizes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetBackends replaces the backend set used by subsequent sends.
func (s *Service) SetBackends(backends []Backend) {
	s.mu.Lock()
	s.backends = append([]Backend(nil), backends...)
	s.mu.Unlock()
}

// BackendNames lists the active backends.
func (s *Service) BackendNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b.Name())
	}
	return out
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.cfg = cfg
	// Burst equals the per-second rate so a handful of simultaneous reminders go out together.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery failures must not take down the daemon.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("delivery.worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("delivery worker exited unexpectedly")
		})
	}
	s.log.Info("delivery started", logx.Int("workers", workers), logx.Any("backends", s.BackendNames()))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Let in-flight enqueues finish, then close the queue so workers drain it.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Deliver hands a due notification to the pipeline without blocking.
// It satisfies dispatcher.Sink. A refusal (full queue, stopped pipeline)
// wraps dispatcher.ErrNotAccepted so the record stays pending.
func (s *Service) Deliver(ctx context.Context, d dispatcher.Delivery) error {
	err := s.Enqueue(ctx, Message{ID: d.ID, Title: d.Title, Body: d.Message, Urgent: d.Urgent, At: d.At})
	if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrStopped) {
		return fmt.Errorf("%w: %w", dispatcher.ErrNotAccepted, err)
	}
	return err
}

// Enqueue queues m for every backend.
func (s *Service) Enqueue(ctx context.Context, m Message) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	s.publish(eventbus.DeliveryQueued, m, "", nil)
	select {
	case q <- m:
		return nil
	default:
		s.publish(eventbus.DeliveryDropped, m, "", ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem, max int) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, m)
		}
	}
}

func (s *Service) send(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	backends := append([]Backend(nil), s.backends...)
	s.mu.Unlock()

	if !m.Urgent && lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	it := HistoryItem{At: time.Now(), ID: m.ID, Title: m.Title, Urgent: m.Urgent}
	for _, b := range backends {
		it.Backends = append(it.Backends, b.Name())
		if err := s.sendWithRetry(ctx, cfg, b, m); err != nil {
			it.Failed = append(it.Failed, b.Name())
			s.log.Warn("delivery failed", logx.Int64("id", m.ID), logx.String("backend", b.Name()), logx.Err(err))
			s.publish(eventbus.DeliveryFailed, m, b.Name(), err)
			continue
		}
		s.publish(eventbus.DeliverySent, m, b.Name(), nil)
	}
	s.appendHistory(it, cfg.HistorySize)
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, b Backend, m Message) error {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := b.Send(callCtx, m)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("backend send failed", logx.String("backend", b.Name()), logx.Err(err),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *Service) publish(typ string, m Message, backend string, err error) {
	if s.bus == nil {
		return
	}
	ev := Event{ID: m.ID, Title: m.Title, Backend: backend, Urgent: m.Urgent, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
