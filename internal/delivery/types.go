package delivery

import (
	"context"
	"time"
)

// Config controls the async delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

// Message is one notification on its way to the backends.
type Message struct {
	ID     int64
	Title  string
	Body   string
	Urgent bool
	At     time.Time
}

// Backend presents a message on one channel.
type Backend interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	ID       int64     `json:"id"`
	Title    string    `json:"title"`
	Urgent   bool      `json:"urgent"`
	Backends []string  `json:"backends"`
	Failed   []string  `json:"failed,omitempty"`
}

// Event is the payload of delivery.* bus events.
type Event struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title"`
	Backend string    `json:"backend,omitempty"`
	Urgent  bool      `json:"urgent"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
