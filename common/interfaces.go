// Package common provides shared constants, types, and utilities
// used across the VeilVPN session core.
package common

import (
	"context"
	"fmt"
)

// SessionState represents the lifecycle state of a VPN session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

// String returns a human-readable state string.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further automatic transition leaves s.
func (s SessionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Active reports whether s holds the supervisor's single session slot.
func (s SessionState) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateDisconnecting
}

// MarshalText encodes the state by name for JSON and YAML.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *SessionState) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// DriverConfig carries per-session parameters handed to a tunnel driver.
type DriverConfig struct {
	// Username is the optional account name for authentication.
	Username string
	// Secret is the password, token or key material resolved from the credential store.
	Secret string
	// Options carries driver-specific settings.
	Options map[string]string
}

// TunnelDriver performs the handshake and packet forwarding for one protocol.
// One driver instance serves exactly one session.
type TunnelDriver interface {
	// Handshake establishes the tunnel. It must return promptly once ctx is cancelled.
	Handshake(ctx context.Context, endpoint string, cfg DriverConfig) error
	// Teardown releases the tunnel and all driver resources.
	Teardown(ctx context.Context) error
	// PollTraffic returns cumulative byte counters without blocking.
	PollTraffic() (sent, received uint64)
}

// LinkNotifier is implemented by drivers able to report the loss of an
// established tunnel. A nil error means the remote side closed cleanly.
type LinkNotifier interface {
	LinkDown() <-chan error
}

// DriverFactory builds a driver for a server protocol.
type DriverFactory interface {
	NewDriver(protocol string) (TunnelDriver, error)
}

// DriverFactoryFunc adapts a function to DriverFactory.
type DriverFactoryFunc func(protocol string) (TunnelDriver, error)

// NewDriver calls f(protocol).
func (f DriverFactoryFunc) NewDriver(protocol string) (TunnelDriver, error) {
	return f(protocol)
}

// KillSwitch blocks and unblocks non-VPN network egress.
type KillSwitch interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// CredentialStore defines the interface for credential storage.
// Implementations may use system keyring, encrypted files, etc.
type CredentialStore interface {
	// Store saves the secret for a server or account key.
	Store(key, secret string) error
	// Get retrieves the secret for a key.
	Get(key string) (string, error)
	// Delete removes the secret for a key.
	Delete(key string) error
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
	// NotifyWithIcon sends a notification with a custom icon.
	NotifyWithIcon(title, message, icon string) error
}
