package delivery

import (
	"errors"
	"time"
)

// ErrNoSessionBus means desktop notifications cannot be shown on this host.
var ErrNoSessionBus = errors.New("no D-Bus session bus")

// DesktopConfig configures desktop notifications.
type DesktopConfig struct {
	AppName string
	// Timeout is how long the notification stays up; 0 leaves it to the
	// notification server.
	Timeout time.Duration
}

// Urgency levels of the freedesktop notification spec.
const (
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

func desktopUrgency(urgent bool) byte {
	if urgent {
		return urgencyCritical
	}
	return urgencyNormal
}

// desktopTimeout converts to the expire_timeout argument (-1 = server default).
func desktopTimeout(d time.Duration, urgent bool) int32 {
	if urgent {
		// Critical notifications stay until dismissed.
		return 0
	}
	if d <= 0 {
		return -1
	}
	return int32(d / time.Millisecond)
}
