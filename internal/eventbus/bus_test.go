package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: ScheduleChanged})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, ScheduleChanged, e.Type)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not received")
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"}) // buffer full, dropped

	e := <-ch
	assert.Equal(t, "first", e.Type)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, MeetingModeChanged, "")
	defer unsub()

	b.Publish(Event{Type: DeliverySent})
	b.Publish(Event{Type: MeetingModeChanged})

	e := <-ch
	assert.Equal(t, MeetingModeChanged, e.Type)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
	assert.Zero(t, b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "after"}) // must not panic
}

func TestChangeNotifier(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	ChangeNotifier{Bus: b}.NotifyChanged(ChangeSummary{Source: "dispatcher", Delivered: []int64{7}})
	e := <-ch
	require.Equal(t, ScheduleChanged, e.Type)
	sum, ok := e.Data.(ChangeSummary)
	require.True(t, ok)
	assert.Equal(t, []int64{7}, sum.Delivered)

	ChangeNotifier{}.NotifyChanged(ChangeSummary{}) // nil bus is a no-op
}
