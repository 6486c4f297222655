// Package suppression holds the meeting-mode flag that withholds
// non-urgent notifications while it is on.
package suppression

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"tend/internal/eventbus"
	"tend/internal/schedule"
)

// Settings is the subset of the schedule store the flag is persisted in.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// State reads and writes the meeting-mode flag. Writes go to the store
// first; the cached value is only used for status output.
type State struct {
	store Settings
	bus   eventbus.Bus
	last  atomic.Bool
}

func New(store Settings, bus eventbus.Bus) *State {
	return &State{store: store, bus: bus}
}

// MeetingMode reads the persisted flag. A missing key means off.
func (s *State) MeetingMode(ctx context.Context) (bool, error) {
	raw, ok, err := s.store.GetSetting(ctx, schedule.MeetingModeKey)
	if err != nil {
		return false, fmt.Errorf("reading meeting mode: %w", err)
	}
	if !ok {
		s.last.Store(false)
		return false, nil
	}
	on, err := parseFlag(raw)
	if err != nil {
		return false, err
	}
	s.last.Store(on)
	return on, nil
}

// SetMeetingMode persists the flag and publishes a change event when the
// value differs from the last one seen.
func (s *State) SetMeetingMode(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	if err := s.store.SetSetting(ctx, schedule.MeetingModeKey, v); err != nil {
		return fmt.Errorf("writing meeting mode: %w", err)
	}
	prev := s.last.Swap(on)
	if prev != on && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.MeetingModeChanged, Data: map[string]bool{"meeting_mode": on}})
	}
	return nil
}

// Cached returns the last value read or written without touching the store.
func (s *State) Cached() bool { return s.last.Load() }

func parseFlag(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no", "":
		return false, nil
	default:
		return false, fmt.Errorf("meeting mode: unrecognized value %q", raw)
	}
}
