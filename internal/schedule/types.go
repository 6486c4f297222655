package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the persisted and user-facing format of scheduled times.
const TimeLayout = "2006-01-02 15:04:05"

// MeetingModeKey is the settings key holding the suppression flag ("0"/"1").
const MeetingModeKey = "meeting_mode"

var (
	ErrNotFound    = errors.New("notification not found")
	ErrInvalidTime = errors.New("invalid scheduled time")
	ErrClosed      = errors.New("store closed")
)

// Notification is one scheduled reminder.
//
// Everything but Delivered is immutable after insert. Delivered flips
// false -> true once and never reverses.
type Notification struct {
	ID          int64   `db:"id" json:"id"`
	Title       string  `db:"title" json:"title"`
	Message     string  `db:"message" json:"message"`
	At          string  `db:"scheduled_at" json:"scheduled_at"`
	Urgent      bool    `db:"urgent" json:"urgent"`
	Delivered   bool    `db:"delivered" json:"delivered"`
	CreatedAt   string  `db:"created_at" json:"created_at,omitempty"`
	DeliveredAt *string `db:"delivered_at" json:"delivered_at,omitempty"`
}

// ScheduledTime parses At in loc (time.Local when nil).
func (n Notification) ScheduledTime(loc *time.Location) (time.Time, error) {
	return ParseTime(n.At, loc)
}

// ParseTime parses a TimeLayout string in loc (time.Local when nil).
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidTime, raw, err)
	}
	return t, nil
}

// FormatTime renders t in TimeLayout using t's own location.
func FormatTime(t time.Time) string { return t.Format(TimeLayout) }

// Draft is a validated producer request, ready to insert.
type Draft struct {
	Title   string
	Message string
	At      time.Time
	Urgent  bool
}

// DayCount is the number of notifications scheduled on one calendar day.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// Store is the schedule store contract.
//
// FetchPending returns only undelivered records ordered by
// (scheduled_at, id) ascending. MarkDelivered is idempotent and reports
// whether this call performed the transition. Implementations must be safe
// for concurrent use and never expose a half-updated record.
type Store interface {
	Insert(ctx context.Context, d Draft) (int64, error)
	Get(ctx context.Context, id int64) (Notification, error)
	FetchPending(ctx context.Context) ([]Notification, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)

	// Views.
	Upcoming(ctx context.Context, limit int) ([]Notification, error)
	Between(ctx context.Context, from, to time.Time) ([]Notification, error)
	CountByDay(ctx context.Context, now time.Time, days int) ([]DayCount, error)

	// Housekeeping.
	PruneDelivered(ctx context.Context, before time.Time) (int64, error)

	// Settings (key/value).
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
