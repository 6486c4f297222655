package eventbus

import "time"

// Event types published by tend components.
const (
	// ScheduleChanged is published after a dispatcher tick delivered or
	// discarded at least one notification, and after producers insert one.
	// Views re-render on it.
	ScheduleChanged = "schedule.changed"

	MeetingModeChanged = "meeting_mode.changed"

	DeliveryQueued  = "delivery.queued"
	DeliverySent    = "delivery.sent"
	DeliveryFailed  = "delivery.failed"
	DeliveryDropped = "delivery.dropped"

	HousekeepingPruned = "housekeeping.pruned"
)

// ChangeSummary is the payload of ScheduleChanged.
type ChangeSummary struct {
	Source    string  `json:"source"`
	TickID    string  `json:"tick_id,omitempty"`
	Delivered []int64 `json:"delivered,omitempty"`
	Discarded []int64 `json:"discarded,omitempty"`
	Inserted  int64   `json:"inserted,omitempty"`
}

// ChangeNotifier adapts a Bus into the dispatcher's observer signal.
// NotifyChanged never blocks.
type ChangeNotifier struct {
	Bus Bus
}

func (n ChangeNotifier) NotifyChanged(sum ChangeSummary) {
	if n.Bus == nil {
		return
	}
	n.Bus.Publish(Event{Type: ScheduleChanged, Time: time.Now(), Data: sum})
}
