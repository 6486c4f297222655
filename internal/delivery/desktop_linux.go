//go:build linux

package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	dbusNotifyDest      = "org.freedesktop.Notifications"
	dbusNotifyPath      = "/org/freedesktop/Notifications"
	dbusNotifyInterface = "org.freedesktop.Notifications"
)

// Desktop shows notifications through org.freedesktop.Notifications.
type Desktop struct {
	cfg  DesktopConfig
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewDesktop connects to the session bus. It fails with ErrNoSessionBus on
// headless hosts.
func NewDesktop(cfg DesktopConfig) (Backend, error) {
	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = "tend"
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSessionBus, err)
	}
	return &Desktop{cfg: cfg, conn: conn, obj: conn.Object(dbusNotifyDest, dbusNotifyPath)}, nil
}

func (d *Desktop) Name() string { return "desktop" }

func (d *Desktop) Send(ctx context.Context, m Message) error {
	hints := map[string]dbus.Variant{
		"urgency":       dbus.MakeVariant(desktopUrgency(m.Urgent)),
		"desktop-entry": dbus.MakeVariant(d.cfg.AppName),
	}
	if m.Urgent {
		hints["sound-name"] = dbus.MakeVariant("dialog-warning")
	}
	// Notify(app_name, replaces_id, icon, summary, body, actions, hints, timeout) -> id
	call := d.obj.CallWithContext(ctx,
		dbusNotifyInterface+".Notify",
		0,
		d.cfg.AppName,
		uint32(0),
		"",
		m.Title,
		m.Body,
		[]string{},
		hints,
		desktopTimeout(d.cfg.Timeout, m.Urgent),
	)
	if call.Err != nil {
		return fmt.Errorf("desktop notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("desktop notify: %w", err)
	}
	return nil
}
