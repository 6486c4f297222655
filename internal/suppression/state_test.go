package suppression

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
)

type brokenSettings struct{}

func (brokenSettings) GetSetting(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}
func (brokenSettings) SetSetting(context.Context, string, string) error { return errors.New("disk gone") }

func TestMeetingModeDefaultsOff(t *testing.T) {
	s := New(storage.NewMemory(), nil)
	on, err := s.MeetingMode(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
}

func TestSetMeetingModePersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(mem, bus)
	require.NoError(t, s.SetMeetingMode(ctx, true))

	raw, ok, err := mem.GetSetting(ctx, schedule.MeetingModeKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", raw)

	on, err := s.MeetingMode(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, s.Cached())

	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.MeetingModeChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected meeting mode event")
	}
}

func TestMeetingModeSurfacesReadErrors(t *testing.T) {
	s := New(brokenSettings{}, nil)
	_, err := s.MeetingMode(context.Background())
	require.Error(t, err)
	assert.Error(t, s.SetMeetingMode(context.Background(), true))
}

func TestParseFlag(t *testing.T) {
	cases := []struct {
		in   string
		want bool
		err  bool
	}{
		{"1", true, false},
		{"0", false, false},
		{" on ", true, false},
		{"", false, false},
		{"maybe", false, true},
	}
	for _, c := range cases {
		got, err := parseFlag(c.in)
		if c.err {
			assert.Error(t, err, c.in)
			continue
		}
		assert.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}
