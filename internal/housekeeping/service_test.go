package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tend/internal/eventbus"
	"tend/internal/schedule"
	"tend/internal/storage"
	logx "tend/pkg/logx"
)

type failingPruner struct{}

func (failingPruner) PruneDelivered(context.Context, time.Time) (int64, error) {
	return 0, errors.New("locked")
}

func TestRunOncePrunesOldDelivered(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Date(2024, 6, 30, 3, 0, 0, 0, time.Local)

	old, err := mem.Insert(ctx, schedule.Draft{Title: "old", Message: "m", At: now.AddDate(0, -2, 0)})
	require.NoError(t, err)
	fresh, err := mem.Insert(ctx, schedule.Draft{Title: "fresh", Message: "m", At: now.AddDate(0, 0, -1)})
	require.NoError(t, err)
	_, err = mem.MarkDelivered(ctx, old, now.AddDate(0, -2, 0))
	require.NoError(t, err)
	_, err = mem.MarkDelivered(ctx, fresh, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Retain: 720 * time.Hour}, mem, logx.Nop(), bus)
	s.now = func() time.Time { return now }

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Pruned)
	assert.Equal(t, now.Add(-720*time.Hour), res.Before)
	assert.Equal(t, res, s.Last())

	_, err = mem.Get(ctx, old)
	assert.ErrorIs(t, err, schedule.ErrNotFound)
	_, err = mem.Get(ctx, fresh)
	assert.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.HousekeepingPruned, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected prune event")
	}
}

func TestRunOnceReportsError(t *testing.T) {
	s := New(Config{}, failingPruner{}, logx.Nop(), nil)
	res, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "locked", res.Error)
}

func TestStartSchedulesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, PruneSpec: "@every 1h"}, storage.NewMemory(), logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	next := s.Next()
	assert.False(t, next.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.True(t, s.Next().IsZero())
}

func TestStartDisabledIsNoop(t *testing.T) {
	s := New(Config{Enabled: false}, storage.NewMemory(), logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Next().IsZero())
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(Config{Enabled: true, PruneSpec: "every tuesday"}, storage.NewMemory(), logx.Nop(), nil)
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, ValidateSpec("every tuesday"))
	assert.NoError(t, ValidateSpec("0 3 * * *"))
	assert.NoError(t, ValidateSpec("*/30 * * * * *"))
}

func TestApplyReschedules(t *testing.T) {
	s := New(Config{Enabled: true, PruneSpec: "@every 1h"}, storage.NewMemory(), logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, PruneSpec: "@every 2h"})
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), s.Next(), 5*time.Second)

	s.Apply(Config{Enabled: false})
	assert.True(t, s.Next().IsZero())
}
