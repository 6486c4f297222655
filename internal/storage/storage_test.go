package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tend/internal/schedule"
	logx "tend/pkg/logx"
)

type rawInserter func(ctx context.Context, title, message, at string, urgent bool) (int64, error)

type storeCase struct {
	name string
	open func(t *testing.T) (schedule.Store, rawInserter)
}

func storeCases() []storeCase {
	return []storeCase{
		{
			name: "memory",
			open: func(t *testing.T) (schedule.Store, rawInserter) {
				m := NewMemory()
				t.Cleanup(func() { _ = m.Close() })
				return m, m.InsertRaw
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) (schedule.Store, rawInserter) {
				st, err := OpenSQLite(Config{Path: filepath.Join(t.TempDir(), "tend.db")}, logx.Nop())
				require.NoError(t, err)
				t.Cleanup(func() { _ = st.Close() })
				return st, st.(*sqliteStore).insertRaw
			},
		},
	}
}

func at(t *testing.T, raw string) time.Time {
	t.Helper()
	tm, err := schedule.ParseTime(raw, time.Local)
	require.NoError(t, err)
	return tm
}

func TestFetchPendingOrdersByTimeThenID(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := tc.open(t)

			late, err := st.Insert(ctx, schedule.Draft{Title: "late", Message: "m", At: at(t, "2024-06-01 10:00:00")})
			require.NoError(t, err)
			tieA, err := st.Insert(ctx, schedule.Draft{Title: "a", Message: "m", At: at(t, "2024-06-01 09:00:00")})
			require.NoError(t, err)
			tieB, err := st.Insert(ctx, schedule.Draft{Title: "b", Message: "m", At: at(t, "2024-06-01 09:00:00"), Urgent: true})
			require.NoError(t, err)

			got, err := st.FetchPending(ctx)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []int64{tieA, tieB, late}, []int64{got[0].ID, got[1].ID, got[2].ID})
			assert.True(t, got[1].Urgent)
			assert.False(t, got[0].Delivered)
		})
	}
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := tc.open(t)

			id, err := st.Insert(ctx, schedule.Draft{Title: "t", Message: "m", At: at(t, "2024-06-01 09:00:00")})
			require.NoError(t, err)

			now := at(t, "2024-06-01 09:00:02")
			changed, err := st.MarkDelivered(ctx, id, now)
			require.NoError(t, err)
			assert.True(t, changed)

			changed, err = st.MarkDelivered(ctx, id, now)
			require.NoError(t, err)
			assert.False(t, changed)

			changed, err = st.MarkDelivered(ctx, 9999, now)
			require.NoError(t, err)
			assert.False(t, changed)

			n, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, n.Delivered)
			require.NotNil(t, n.DeliveredAt)
			assert.Equal(t, "2024-06-01 09:00:02", *n.DeliveredAt)

			pending, err := st.FetchPending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			st, _ := tc.open(t)
			_, err := st.Get(context.Background(), 42)
			assert.True(t, errors.Is(err, schedule.ErrNotFound))
		})
	}
}

func TestRawTimeIsStoredVerbatim(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, raw := tc.open(t)

			id, err := raw(ctx, "broken", "m", "tomorrow-ish", false)
			require.NoError(t, err)

			got, err := st.FetchPending(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, id, got[0].ID)
			assert.Equal(t, "tomorrow-ish", got[0].At)

			_, err = got[0].ScheduledTime(time.Local)
			assert.ErrorIs(t, err, schedule.ErrInvalidTime)
		})
	}
}

func TestUpcomingAndBetween(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := tc.open(t)

			for _, raw := range []string{"2024-06-01 08:00:00", "2024-06-01 12:00:00", "2024-06-03 09:00:00"} {
				_, err := st.Insert(ctx, schedule.Draft{Title: raw, Message: "m", At: at(t, raw)})
				require.NoError(t, err)
			}

			up, err := st.Upcoming(ctx, 2)
			require.NoError(t, err)
			require.Len(t, up, 2)
			assert.Equal(t, "2024-06-01 08:00:00", up[0].At)

			in, err := st.Between(ctx, at(t, "2024-06-01 10:00:00"), at(t, "2024-06-02 10:00:00"))
			require.NoError(t, err)
			require.Len(t, in, 1)
			assert.Equal(t, "2024-06-01 12:00:00", in[0].At)
		})
	}
}

func TestCountByDayFillsGaps(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := tc.open(t)

			for _, raw := range []string{"2024-06-05 08:00:00", "2024-06-05 18:00:00", "2024-06-07 09:00:00", "2024-05-01 09:00:00"} {
				_, err := st.Insert(ctx, schedule.Draft{Title: "t", Message: "m", At: at(t, raw)})
				require.NoError(t, err)
			}

			got, err := st.CountByDay(ctx, at(t, "2024-06-07 12:00:00"), 3)
			require.NoError(t, err)
			assert.Equal(t, []schedule.DayCount{
				{Day: "2024-06-05", Count: 2},
				{Day: "2024-06-06", Count: 0},
				{Day: "2024-06-07", Count: 1},
			}, got)
		})
	}
}

func TestPruneDeliveredKeepsPendingAndRecent(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := tc.open(t)

			old, err := st.Insert(ctx, schedule.Draft{Title: "old", Message: "m", At: at(t, "2024-01-01 09:00:00")})
			require.NoError(t, err)
			recent, err := st.Insert(ctx, schedule.Draft{Title: "recent", Message: "m", At: at(t, "2024-06-01 09:00:00")})
			require.NoError(t, err)
			pending, err := st.Insert(ctx, schedule.Draft{Title: "pending", Message: "m", At: at(t, "2024-01-01 09:00:00")})
			require.NoError(t, err)

			_, err = st.MarkDelivered(ctx, old, at(t, "2024-01-01 09:00:01"))
			require.NoError(t, err)
			_, err = st.MarkDelivered(ctx, recent, at(t, "2024-06-01 09:00:01"))
			require.NoError(t, err)

			n, err := st.PruneDelivered(ctx, at(t, "2024-03-01 00:00:00"))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			_, err = st.Get(ctx, old)
			assert.ErrorIs(t, err, schedule.ErrNotFound)
			_, err = st.Get(ctx, recent)
			assert.NoError(t, err)
			_, err = st.Get(ctx, pending)
			assert.NoError(t, err)
		})
	}
}

func TestSettingsUpsert(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := tc.open(t)

			_, ok, err := st.GetSetting(ctx, schedule.MeetingModeKey)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.SetSetting(ctx, schedule.MeetingModeKey, "1"))
			require.NoError(t, st.SetSetting(ctx, schedule.MeetingModeKey, "0"))

			v, ok, err := st.GetSetting(ctx, schedule.MeetingModeKey)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "0", v)
		})
	}
}

func TestConcurrentMarkDeliveredTransitionsOnce(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := tc.open(t)

			id, err := st.Insert(ctx, schedule.Draft{Title: "t", Message: "m", At: at(t, "2024-06-01 09:00:00")})
			require.NoError(t, err)

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := st.MarkDelivered(ctx, id, time.Now())
					if err == nil && ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := tc.open(t)
			require.NoError(t, st.Close())

			_, err := st.CountByDay(ctx, time.Now(), 7)
			assert.Error(t, err)
			_, err = st.PruneDelivered(ctx, time.Now())
			assert.Error(t, err)
			_, err = st.FetchPending(ctx)
			assert.Error(t, err)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)

	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}
