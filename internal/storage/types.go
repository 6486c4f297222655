package storage

import (
	"errors"
	"time"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "memory": in-process store
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
