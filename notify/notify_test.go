package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/events"
)

func TestNotification_IconAndUrgency(t *testing.T) {
	tests := []struct {
		n       Notification
		icon    string
		urgency byte
	}{
		{Notification{Type: NotificationInfo}, "network-vpn", urgencyLow},
		{Notification{Type: NotificationSuccess}, "network-vpn", urgencyLow},
		{Notification{Type: NotificationWarning}, "dialog-warning", urgencyNormal},
		{Notification{Type: NotificationError}, "dialog-error", urgencyCritical},
		{Notification{Type: NotificationError, Icon: "custom"}, "custom", urgencyCritical},
	}
	for _, tt := range tests {
		if got := tt.n.icon(); got != tt.icon {
			t.Errorf("icon(%v) = %q, want %q", tt.n.Type, got, tt.icon)
		}
		if got := tt.n.urgency(); got != tt.urgency {
			t.Errorf("urgency(%v) = %d, want %d", tt.n.Type, got, tt.urgency)
		}
	}
}

func TestForEvent(t *testing.T) {
	tests := []struct {
		name      string
		from, to  common.SessionState
		reason    string
		wantOK    bool
		wantTitle string
	}{
		{"first attempt", common.StateIdle, common.StateConnecting, "", true, "Connecting VPN"},
		{"retry after failure", common.StateFailed, common.StateConnecting, "", true, "Connecting VPN"},
		{"backoff reentry", common.StateConnecting, common.StateConnecting, "", false, ""},
		{"connected", common.StateConnecting, common.StateConnected, "", true, "VPN Connected"},
		{"disconnecting", common.StateConnected, common.StateDisconnecting, "", false, ""},
		{"disconnected", common.StateDisconnecting, common.StateDisconnected, "", true, "VPN Disconnected"},
		{"failed", common.StateConnecting, common.StateFailed, "auth_failed", true, "Connection Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := ForEvent(events.StatusEvent{From: tt.from, To: tt.to, Reason: tt.reason}, "Frankfurt, Germany")
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantTitle, n.Title)
		})
	}

	n, _ := ForEvent(events.StatusEvent{From: common.StateConnecting, To: common.StateFailed, Reason: "auth_failed"}, "nl-ams")
	assert.Equal(t, "Could not connect to nl-ams: auth_failed", n.Message)
	assert.Equal(t, NotificationError, n.Type)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []Notification
	err  error
	got  chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{got: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(n Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	f.got <- struct{}{}
	return f.err
}

func (f *fakeSender) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, n := range f.sent {
		out[i] = n.Title + "|" + n.Message
	}
	return out
}

func TestWatcher_Run(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()

	sender := newFakeSender()
	sender.err = errors.New("no notification daemon")
	w := NewWatcher(sender, func(id string) string { return "server " + id })

	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sub) }()

	publish := func(from, to common.SessionState) {
		bus.Publish(events.StatusEvent{SessionID: "s1", ServerID: "de-fra", From: from, To: to, Timestamp: time.Now()})
	}
	publish(common.StateIdle, common.StateConnecting)
	publish(common.StateConnecting, common.StateConnecting)
	publish(common.StateConnecting, common.StateConnected)
	publish(common.StateConnected, common.StateDisconnecting)
	publish(common.StateDisconnecting, common.StateDisconnected)

	for range 3 {
		select {
		case <-sender.got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notifications")
		}
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{
		"Connecting VPN|Connecting to server de-fra...",
		"VPN Connected|Connected to server de-fra",
		"VPN Disconnected|Disconnected from server de-fra",
	}, sender.titles())
	assert.Zero(t, bus.Subscribers())
}

type fakeObject struct {
	method string
	args   []interface{}
	id     uint32
	err    error
}

func (f *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	f.method, f.args = method, args
	f.id++
	return &dbus.Call{Err: f.err, Body: []interface{}{f.id}}
}

func TestDBus_Send(t *testing.T) {
	obj := &fakeObject{}
	d := &DBus{appName: common.AppName, obj: obj}

	require.NoError(t, d.Send(Failed("de-fra", "timeout")))
	assert.Equal(t, "org.freedesktop.Notifications.Notify", obj.method)
	require.Len(t, obj.args, 8)
	assert.Equal(t, common.AppName, obj.args[0])
	assert.Equal(t, uint32(0), obj.args[1])
	assert.Equal(t, "network-vpn-error", obj.args[2])
	assert.Equal(t, "Connection Error", obj.args[3])
	hints := obj.args[6].(map[string]dbus.Variant)
	assert.Equal(t, urgencyCritical, hints["urgency"].Value())
	assert.Equal(t, int32(-1), obj.args[7])

	// The next notification replaces the previous one.
	require.NoError(t, d.Notify("VPN Connected", "Connected"))
	assert.Equal(t, uint32(1), obj.args[1])
	require.NoError(t, d.NotifyWithIcon("t", "m", "icon-x"))
	assert.Equal(t, "icon-x", obj.args[2])

	obj.err = errors.New("service unknown")
	assert.Error(t, d.Notify("t", "m"))
	assert.NoError(t, d.Close())
}
