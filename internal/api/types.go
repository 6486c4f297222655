// Package api is the local HTTP control surface: producers add
// notifications, views read the schedule, and observers stream change
// events over SSE.
package api

import (
	"context"
	"time"

	"tend/internal/schedule"
)

// Config controls the HTTP server.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
	Pprof   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const DefaultAddr = "127.0.0.1:8765"

// Store is the part of the schedule store the API reads and writes.
type Store interface {
	Insert(ctx context.Context, d schedule.Draft) (int64, error)
	Get(ctx context.Context, id int64) (schedule.Notification, error)
	Upcoming(ctx context.Context, limit int) ([]schedule.Notification, error)
	Between(ctx context.Context, from, to time.Time) ([]schedule.Notification, error)
	CountByDay(ctx context.Context, now time.Time, days int) ([]schedule.DayCount, error)
}

// MeetingMode reads and toggles suppression.
type MeetingMode interface {
	MeetingMode(ctx context.Context) (bool, error)
	SetMeetingMode(ctx context.Context, on bool) error
}

// Poker wakes the dispatcher after an insert.
type Poker interface {
	Poke()
}

type createRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Time    string `json:"time"`
	Urgent  bool   `json:"urgent"`
}

type meetingModeBody struct {
	MeetingMode bool `json:"meeting_mode"`
}

type notificationView struct {
	schedule.Notification
	DueIn string `json:"due_in,omitempty"`
}

type validationBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}
