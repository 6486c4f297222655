package dispatcher

import (
	"context"
	"errors"
	"time"

	"tend/internal/eventbus"
	"tend/internal/schedule"
)

var (
	ErrRunning     = errors.New("dispatcher already running")
	ErrStopped     = errors.New("dispatcher stopped")
	ErrSinkTimeout = errors.New("sink timed out")

	// ErrNotAccepted is wrapped by a Sink that refused a delivery without
	// presenting it. The record stays pending for the next tick.
	ErrNotAccepted = errors.New("delivery not accepted")
)

const (
	DefaultInterval       = 1500 * time.Millisecond
	DefaultDeliverTimeout = 5 * time.Second

	// Bound for committing a delivered transition once the sink has the record.
	markTimeout = 2 * time.Second
)

// Clock is the single time source used for due decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// Delivery is what the sink receives for one due notification.
type Delivery struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Urgent  bool      `json:"urgent"`
	At      time.Time `json:"scheduled_at"`
}

// Sink presents a notification. Deliver is bounded by the dispatcher's
// deliver timeout. Any error other than ErrNotAccepted still marks the record.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, d Delivery) error

func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Observer is told when a tick changed the pending set. It must not block.
type Observer interface {
	NotifyChanged(sum eventbus.ChangeSummary)
}

// Suppression reports whether meeting mode is on.
type Suppression interface {
	MeetingMode(ctx context.Context) (bool, error)
}

// Store is the part of schedule.Store the dispatcher needs.
type Store interface {
	FetchPending(ctx context.Context) ([]schedule.Notification, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Config holds the reloadable dispatcher settings.
type Config struct {
	Interval       time.Duration
	DeliverTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = DefaultDeliverTimeout
	}
	return c
}

// State is the loop state. Stopped is terminal.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDeciding
	StateDelivering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDeciding:
		return "deciding"
	case StateDelivering:
		return "delivering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TickReport describes one tick.
type TickReport struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Fetched     int       `json:"fetched"`
	MeetingMode bool      `json:"meeting_mode"`
	Delivered   []int64   `json:"delivered,omitempty"`
	Discarded   []int64   `json:"discarded,omitempty"`
	Suppressed  int       `json:"suppressed"`
	NotDue      int       `json:"not_due"`
	Refused     int       `json:"refused"`
	SinkErrors  int       `json:"sink_errors"`
	MarkErrors  int       `json:"mark_errors"`
	Abandoned   bool      `json:"abandoned,omitempty"`
	Err         error     `json:"-"`
}

// Changed reports whether any record left the pending set.
func (r TickReport) Changed() bool { return len(r.Delivered)+len(r.Discarded) > 0 }

// Stats is a point-in-time view for health output and the watchdog.
type Stats struct {
	State          string        `json:"state"`
	Interval       time.Duration `json:"interval"`
	Ticks          uint64        `json:"ticks"`
	LastTickID     string        `json:"last_tick_id,omitempty"`
	LastTickAt     time.Time     `json:"last_tick_at"`
	LastError      string        `json:"last_error,omitempty"`
	Delivered      uint64        `json:"delivered"`
	Discarded      uint64        `json:"discarded"`
	Suppressed     int           `json:"suppressed"`
	Refused        uint64        `json:"refused"`
	SinkErrors     uint64        `json:"sink_errors"`
	StoreErrors    uint64        `json:"store_errors"`
	MeetingModeErr uint64        `json:"meeting_mode_errors"`
}
