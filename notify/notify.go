// Package notify shows desktop notifications for session events.
// Notifications go through the freedesktop notification service on the
// session D-Bus.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/events"
)

const (
	dbusDest      = "org.freedesktop.Notifications"
	dbusPath      = "/org/freedesktop/Notifications"
	dbusNotify    = dbusDest + ".Notify"
	defaultExpiry = int32(-1)
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Urgency levels of org.freedesktop.Notifications.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// Notification represents a system notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
}

// icon returns the explicit icon or one matching the type.
func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case NotificationWarning:
		return "dialog-warning"
	case NotificationError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

func (n Notification) urgency() byte {
	switch n.Type {
	case NotificationError:
		return urgencyCritical
	case NotificationWarning:
		return urgencyNormal
	default:
		return urgencyLow
	}
}

// Sender delivers a notification.
type Sender interface {
	Send(n Notification) error
}

// caller is the subset of dbus.BusObject used to post notifications.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBus posts notifications to the session bus. Each notification replaces
// the previous one so a connection attempt shows a single bubble.
type DBus struct {
	appName string
	conn    *dbus.Conn
	obj     caller

	mu     sync.Mutex
	lastID uint32
}

// NewDBus connects to the session bus.
func NewDBus() (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("notify: session bus unavailable: %w", err)
	}
	return &DBus{
		appName: common.AppName,
		conn:    conn,
		obj:     conn.Object(dbusDest, dbus.ObjectPath(dbusPath)),
	}, nil
}

// Send posts n.
func (d *DBus) Send(n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(n.urgency())}
	call := d.obj.Call(dbusNotify, 0,
		d.appName, d.lastID, n.icon(), n.Title, n.Message,
		[]string{}, hints, defaultExpiry)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	d.lastID = id
	return nil
}

// Notify implements common.Notifier.
func (d *DBus) Notify(title, message string) error {
	return d.Send(Notification{Title: title, Message: message})
}

// NotifyWithIcon implements common.Notifier.
func (d *DBus) NotifyWithIcon(title, message, icon string) error {
	return d.Send(Notification{Title: title, Message: message, Icon: icon})
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

var _ common.Notifier = (*DBus)(nil)

// ServerNamer resolves a server id to a display name.
type ServerNamer func(serverID string) string

// Connected returns the notification shown when the tunnel comes up.
func Connected(serverName string) Notification {
	return Notification{
		Title:   "VPN Connected",
		Message: "Connected to " + serverName,
		Type:    NotificationSuccess,
		Icon:    "network-vpn",
	}
}

// Disconnected returns the notification shown when the tunnel goes down.
func Disconnected(serverName string) Notification {
	return Notification{
		Title:   "VPN Disconnected",
		Message: "Disconnected from " + serverName,
		Type:    NotificationInfo,
		Icon:    "network-vpn-disconnected",
	}
}

// Failed returns the notification shown when a session gives up.
func Failed(serverName, reason string) Notification {
	msg := "Could not connect to " + serverName
	if reason != "" {
		msg += ": " + reason
	}
	return Notification{
		Title:   "Connection Error",
		Message: msg,
		Type:    NotificationError,
		Icon:    "network-vpn-error",
	}
}

// Connecting returns the notification shown for the first handshake.
func Connecting(serverName string) Notification {
	return Notification{
		Title:   "Connecting VPN",
		Message: "Connecting to " + serverName + "...",
		Type:    NotificationInfo,
		Icon:    "network-vpn-acquiring",
	}
}

// ForEvent maps a status event to a notification. Retries inside a
// connection attempt and the idle start produce none.
func ForEvent(ev events.StatusEvent, serverName string) (Notification, bool) {
	switch ev.To {
	case common.StateConnecting:
		if ev.From != common.StateIdle && ev.From != common.StateFailed {
			return Notification{}, false
		}
		return Connecting(serverName), true
	case common.StateConnected:
		return Connected(serverName), true
	case common.StateDisconnected:
		return Disconnected(serverName), true
	case common.StateFailed:
		return Failed(serverName, ev.Reason), true
	}
	return Notification{}, false
}

// Watcher turns bus events into notifications.
type Watcher struct {
	sender Sender
	names  ServerNamer
	logger zerolog.Logger
}

// NewWatcher creates a watcher posting through sender. A nil names
// function shows raw server ids.
func NewWatcher(sender Sender, names ServerNamer) *Watcher {
	if names == nil {
		names = func(id string) string { return id }
	}
	return &Watcher{
		sender: sender,
		names:  names,
		logger: common.WithComponent("notify"),
	}
}

// Run consumes sub until ctx is done or the bus closes. Delivery errors
// are logged and never stop the loop.
func (w *Watcher) Run(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()
	for ev := range sub.All(ctx) {
		n, ok := ForEvent(ev, w.names(ev.ServerID))
		if !ok {
			continue
		}
		if err := w.sender.Send(n); err != nil {
			w.logger.Warn().Err(err).Str("title", n.Title).Msg("error showing notification")
		}
	}
	return ctx.Err()
}
