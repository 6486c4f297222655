package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tend/internal/config"
	"tend/internal/dispatcher"
	"tend/internal/eventbus"
	"tend/internal/schedule"
	"tend/internal/storage"
	logx "tend/pkg/logx"
)

func boolPtr(v bool) *bool { return &v }

func TestMapDispatcherConfig(t *testing.T) {
	tests := []struct {
		name     string
		in       config.DispatcherConfig
		interval time.Duration
		enabled  bool
		wantErr  bool
	}{
		{name: "defaults", interval: dispatcher.DefaultInterval, enabled: true},
		{name: "custom", in: config.DispatcherConfig{Interval: "2s", DeliverTimeout: "1s"}, interval: 2 * time.Second, enabled: true},
		{name: "disabled", in: config.DispatcherConfig{Enabled: boolPtr(false)}, interval: dispatcher.DefaultInterval},
		{name: "too fast", in: config.DispatcherConfig{Interval: "10ms"}, wantErr: true},
		{name: "garbage", in: config.DispatcherConfig{DeliverTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, enabled, err := mapDispatcherConfig(&config.Config{Dispatcher: tt.in})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.interval, got.Interval)
			assert.Equal(t, tt.enabled, enabled)
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, config.DefaultDBPath(), sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "Memory"}})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres"}})
	assert.Error(t, err)
}

func TestBuildBackends(t *testing.T) {
	tests := []struct {
		name string
		in   config.DeliveryConfig
		want []string
	}{
		{name: "console by default", want: []string{"console"}},
		{name: "console explicitly off", in: config.DeliveryConfig{Console: boolPtr(false)}, want: []string{}},
		{
			name: "telegram replaces default console",
			in:   config.DeliveryConfig{Telegram: config.TelegramBackend{Enabled: true, Token: "123:abc", ChatID: 42}},
			want: []string{"telegram"},
		},
		{
			name: "telegram plus console",
			in: config.DeliveryConfig{
				Console:  boolPtr(true),
				Telegram: config.TelegramBackend{Enabled: true, Token: "123:abc", ChatID: 42},
			},
			want: []string{"telegram", "console"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, err := buildBackends(&config.Config{Delivery: tt.in}, logx.Nop())
			require.NoError(t, err)
			names := []string{}
			for _, b := range bs {
				names = append(names, b.Name())
			}
			assert.Equal(t, tt.want, names)
		})
	}

	_, err := buildBackends(&config.Config{Delivery: config.DeliveryConfig{Telegram: config.TelegramBackend{Enabled: true}}}, logx.Nop())
	assert.Error(t, err)
}

func TestBuildBackendsWithoutSessionBus(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/nonexistent/tend-bus")
	var buf bytes.Buffer

	bs, err := buildBackends(&config.Config{Delivery: config.DeliveryConfig{Desktop: config.DesktopConfig{Enabled: true}}}, logx.NewWriter(&buf, "debug"))
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, "console", bs[0].Name())
	assert.Contains(t, buf.String(), "desktop notifications unavailable")

	bs, err = buildBackends(&config.Config{Delivery: config.DeliveryConfig{
		Console: boolPtr(false),
		Desktop: config.DesktopConfig{Enabled: true},
	}}, logx.Nop())
	require.NoError(t, err)
	assert.Empty(t, bs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{name: "empty"},
		{name: "bad prune spec", cfg: config.Config{Housekeeping: config.HousekeepingConfig{Enabled: true, PruneSpec: "whenever"}}, wantErr: true},
		{name: "bad timezone", cfg: config.Config{Housekeeping: config.HousekeepingConfig{Timezone: "Mars/Olympus"}}, wantErr: true},
		{name: "telegram without chat", cfg: config.Config{Delivery: config.DeliveryConfig{Telegram: config.TelegramBackend{Enabled: true, Token: "t"}}}, wantErr: true},
		{name: "negative workers", cfg: config.Config{Delivery: config.DeliveryConfig{Workers: -1}}, wantErr: true},
		{name: "bad retry base", cfg: config.Config{Delivery: config.DeliveryConfig{RetryBase: "fast"}}, wantErr: true},
		{name: "bad desktop timeout", cfg: config.Config{Delivery: config.DeliveryConfig{Desktop: config.DesktopConfig{Enabled: true, Timeout: "long"}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMapAPIConfigDefaultsAddr(t *testing.T) {
	ac, err := mapAPIConfig(&config.Config{API: config.APIConfig{Enabled: true}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8765", ac.Addr)
	assert.True(t, ac.Enabled)
}

func TestTicksFresh(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	assert.True(t, ticksFresh(dispatcher.Stats{}, now))
	assert.True(t, ticksFresh(dispatcher.Stats{Interval: time.Second, LastTickAt: now.Add(-2 * time.Second)}, now))
	assert.False(t, ticksFresh(dispatcher.Stats{Interval: time.Second, LastTickAt: now.Add(-time.Minute)}, now))
}

func TestAppDeliversAndStops(t *testing.T) {
	cfg := &config.Config{
		Dispatcher: config.DispatcherConfig{Interval: "100ms"},
		Storage:    config.StorageConfig{Driver: "memory"},
	}
	store := storage.NewMemory()
	bus := eventbus.New()
	a, err := build(cfg, store, logx.Nop(), bus)
	require.NoError(t, err)

	ctx := context.Background()
	due, err := store.Insert(ctx, schedule.Draft{Title: "stretch", Message: "stand up", At: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	held, err := store.Insert(ctx, schedule.Draft{Title: "later", Message: "m", At: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	events, unsub := bus.Subscribe(64)
	defer unsub()

	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool {
		n, err := store.Get(ctx, due)
		return err == nil && n.Delivered
	}, 3*time.Second, 20*time.Millisecond)

	sawChange := false
	for !sawChange {
		select {
		case ev := <-events:
			sawChange = ev.Type == eventbus.ScheduleChanged
		case <-time.After(2 * time.Second):
			t.Fatal("expected schedule.changed")
		}
	}

	h := a.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, []string{"console"}, h.Delivery.Backends)
	assert.Contains(t, h.Supervisors, "app")
	assert.GreaterOrEqual(t, h.Dispatcher.Delivered, uint64(1))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.Equal(t, dispatcher.StateStopped, a.Dispatcher().State())

	// The store is closed with the app; the future record was never touched.
	_, err = store.Get(ctx, held)
	assert.ErrorIs(t, err, schedule.ErrClosed)
}

func TestAppWithDispatcherDisabled(t *testing.T) {
	cfg := &config.Config{Dispatcher: config.DispatcherConfig{Enabled: boolPtr(false)}}
	store := storage.NewMemory()
	a, err := build(cfg, store, logx.Nop(), eventbus.New())
	require.NoError(t, err)

	ctx := context.Background()
	id, err := store.Insert(ctx, schedule.Draft{Title: "t", Message: "m", At: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	assert.Equal(t, "dispatcher_disabled", a.Health().Status)

	n, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, n.Delivered)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
}
