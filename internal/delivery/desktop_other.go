//go:build !linux

package delivery

import "fmt"

// NewDesktop always fails; desktop notifications need a D-Bus session bus.
func NewDesktop(_ DesktopConfig) (Backend, error) {
	return nil, fmt.Errorf("%w: unsupported platform", ErrNoSessionBus)
}
