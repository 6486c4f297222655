package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tend/internal/dispatcher"
	"tend/internal/eventbus"
	"tend/internal/schedule"
	"tend/internal/storage"
	logx "tend/pkg/logx"
)

type recordingBackend struct {
	name    string
	mu      sync.Mutex
	got     []Message
	failN   atomic.Int32
	started chan struct{}
	block   chan struct{}
}

func (b *recordingBackend) Name() string { return b.name }

func (b *recordingBackend) Send(ctx context.Context, m Message) error {
	if b.started != nil {
		select {
		case b.started <- struct{}{}:
		default:
		}
	}
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.failN.Load() > 0 {
		b.failN.Add(-1)
		return errors.New("backend unavailable")
	}
	b.mu.Lock()
	b.got = append(b.got, m)
	b.mu.Unlock()
	return nil
}

func (b *recordingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func startService(t *testing.T, cfg Config, bus eventbus.Bus, backends ...Backend) *Service {
	t.Helper()
	s := New(cfg, backends, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestDeliverFansOutToBackends(t *testing.T) {
	a := &recordingBackend{name: "a"}
	b := &recordingBackend{name: "b"}
	s := startService(t, Config{RatePerSec: 100}, nil, a, b)

	require.NoError(t, s.Deliver(context.Background(), dispatcher.Delivery{ID: 7, Title: "Standup", Message: "room 4"}))

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.mu.Lock()
	assert.Equal(t, Message{ID: 7, Title: "Standup", Body: "room 4"}, a.got[0])
	a.mu.Unlock()

	require.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, 5*time.Millisecond)
	h := s.History()[0]
	assert.Equal(t, int64(7), h.ID)
	assert.Equal(t, []string{"a", "b"}, h.Backends)
	assert.Empty(t, h.Failed)
}

func TestRetryThenSucceed(t *testing.T) {
	b := &recordingBackend{name: "flaky"}
	b.failN.Store(2)
	s := startService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, nil, b)

	require.NoError(t, s.Enqueue(context.Background(), Message{ID: 1, Title: "x"}))
	require.Eventually(t, func() bool { return b.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestFailurePublishesEvent(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	b := &recordingBackend{name: "down"}
	b.failN.Store(10)
	s := startService(t, Config{RetryMax: 0}, bus, b)
	require.NoError(t, s.Enqueue(context.Background(), Message{ID: 3, Title: "x"}))

	deadline := time.After(2 * time.Second)
	var types []string
	for {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			if ev.Type == eventbus.DeliveryFailed {
				data := ev.Data.(Event)
				assert.Equal(t, "down", data.Backend)
				assert.NotEmpty(t, data.Error)
				assert.Equal(t, []string{eventbus.DeliveryQueued, eventbus.DeliveryFailed}, types)
				return
			}
		case <-deadline:
			t.Fatalf("no failure event, saw %v", types)
		}
	}
}

func TestQueueFull(t *testing.T) {
	b := &recordingBackend{name: "slow", started: make(chan struct{}, 1), block: make(chan struct{})}
	defer close(b.block)
	s := startService(t, Config{Workers: 1, QueueSize: 1, RatePerSec: 100}, nil, b)

	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, Message{ID: 1}))
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first message")
	}
	require.NoError(t, s.Enqueue(ctx, Message{ID: 2}))
	assert.ErrorIs(t, s.Enqueue(ctx, Message{ID: 3}), ErrQueueFull)
}

func TestEnqueueBeforeStartAndAfterStop(t *testing.T) {
	s := New(Config{}, nil, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(context.Background(), Message{}), ErrStopped)

	s.Start(context.Background())
	require.NoError(t, s.Enqueue(context.Background(), Message{ID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, s.Enqueue(context.Background(), Message{}), ErrStopped)
	assert.Nil(t, s.Supervisor())

	err := s.Deliver(context.Background(), dispatcher.Delivery{ID: 2})
	assert.ErrorIs(t, err, dispatcher.ErrNotAccepted)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDeliverRefusesWhenQueueFull(t *testing.T) {
	b := &recordingBackend{name: "slow", started: make(chan struct{}, 1), block: make(chan struct{})}
	defer close(b.block)
	s := startService(t, Config{Workers: 1, QueueSize: 1, RatePerSec: 100}, nil, b)

	ctx := context.Background()
	require.NoError(t, s.Deliver(ctx, dispatcher.Delivery{ID: 1}))
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first message")
	}
	require.NoError(t, s.Deliver(ctx, dispatcher.Delivery{ID: 2}))

	err := s.Deliver(ctx, dispatcher.Delivery{ID: 3})
	assert.ErrorIs(t, err, dispatcher.ErrNotAccepted)
	assert.ErrorIs(t, err, ErrQueueFull)
}

// A backlog larger than the queue is worked off across ticks instead of
// being marked delivered unseen.
func TestBacklogLargerThanQueueIsNotLost(t *testing.T) {
	b := &recordingBackend{name: "slow", block: make(chan struct{})}
	s := startService(t, Config{Workers: 1, QueueSize: 2, RatePerSec: 1000}, nil, b)

	store := storage.NewMemory()
	ctx := context.Background()
	due := time.Now().Add(-time.Minute)
	for i := 0; i < 6; i++ {
		_, err := store.Insert(ctx, schedule.Draft{Title: "t", Message: "m", At: due})
		require.NoError(t, err)
	}
	d := dispatcher.New(dispatcher.Config{}, store, nil, s, logx.Nop())

	rep := d.Tick(ctx)
	assert.Greater(t, rep.Refused, 0)
	pending, err := store.FetchPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, rep.Refused)

	close(b.block)
	require.Eventually(t, func() bool {
		d.Tick(ctx)
		left, err := store.FetchPending(ctx)
		return err == nil && len(left) == 0
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return b.count() == 6 }, 5*time.Second, 5*time.Millisecond)
}

func TestStopDrainsQueue(t *testing.T) {
	b := &recordingBackend{name: "a"}
	s := New(Config{Workers: 1, RatePerSec: 1000}, []Backend{b}, logx.Nop(), nil)
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(context.Background(), Message{ID: int64(i)}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Equal(t, 5, b.count())
}

func TestSetBackends(t *testing.T) {
	s := New(Config{}, []Backend{NewConsole(logx.Nop())}, logx.Nop(), nil)
	assert.Equal(t, []string{"console"}, s.BackendNames())
	s.SetBackends([]Backend{&recordingBackend{name: "x"}, &recordingBackend{name: "y"}})
	assert.Equal(t, []string{"x", "y"}, s.BackendNames())
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	first := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, first, 70*time.Millisecond)
	assert.LessOrEqual(t, first, 130*time.Millisecond)
}
