// Package catalog holds the set of VPN servers a session can connect to.
//
// The catalog is an immutable snapshot swapped atomically on refresh, so
// readers never block writers. Server status is owned by the refresh source
// and the health prober; the session core only reads copies.
package catalog

import (
	"fmt"
	"net"
	"strings"

	"github.com/yllada/veilvpn/common"
)

// Protocol is the tunnel protocol a server speaks.
type Protocol string

const (
	ProtocolWireGuard Protocol = "wireguard"
	ProtocolOpenVPN   Protocol = "openvpn"
)

// ParseProtocol normalises a protocol name. The product catalog used
// display names ("WireGuard", "OpenVPN"), so matching is case-insensitive.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wireguard", "wg":
		return ProtocolWireGuard, nil
	case "openvpn", "ovpn":
		return ProtocolOpenVPN, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// ServerStatus is the reachability of a server as last observed.
type ServerStatus int

const (
	StatusOnline ServerStatus = iota
	StatusDegraded
	StatusOffline
)

// String returns a human-readable representation of the status.
func (s ServerStatus) String() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusDegraded:
		return "Degraded"
	case StatusOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the status by name.
func (s ServerStatus) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// UnmarshalText accepts a status name; an empty value means online.
func (s *ServerStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "online":
		*s = StatusOnline
	case "degraded", "maintenance":
		*s = StatusDegraded
	case "offline":
		*s = StatusOffline
	default:
		return fmt.Errorf("unknown server status %q", text)
	}
	return nil
}

// ServerDescriptor describes one connectable VPN endpoint.
type ServerDescriptor struct {
	ID              string       `json:"id" yaml:"id"`
	Country         string       `json:"country" yaml:"country"`
	City            string       `json:"city,omitempty" yaml:"city,omitempty"`
	Region          string       `json:"region" yaml:"region"`
	Hostname        string       `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	EndpointAddress string       `json:"endpoint" yaml:"endpoint"`
	Protocol        Protocol     `json:"protocol" yaml:"protocol"`
	PremiumOnly     bool         `json:"premium" yaml:"premium"`
	LatencyMs       *int         `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	LoadPercent     int          `json:"load" yaml:"load"`
	Status          ServerStatus `json:"status" yaml:"status"`
}

// Usable reports whether a session may be started against the server.
func (s ServerDescriptor) Usable() bool {
	return s.Status != StatusOffline
}

// Clone returns a deep copy, so callers cannot alias the latency pointer.
func (s ServerDescriptor) Clone() ServerDescriptor {
	if s.LatencyMs != nil {
		v := *s.LatencyMs
		s.LatencyMs = &v
	}
	return s
}

// DisplayName returns "City, Country" or just the country.
func (s ServerDescriptor) DisplayName() string {
	if s.City == "" {
		return s.Country
	}
	return s.City + ", " + s.Country
}

// Validate checks a single descriptor and normalises its protocol.
func (s *ServerDescriptor) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: server without id", common.ErrInvalidCatalog)
	}
	proto, err := ParseProtocol(string(s.Protocol))
	if err != nil {
		return fmt.Errorf("%w: server %s: %v", common.ErrInvalidCatalog, s.ID, err)
	}
	s.Protocol = proto
	if s.LoadPercent < 0 || s.LoadPercent > 100 {
		return fmt.Errorf("%w: server %s: load %d out of range", common.ErrInvalidCatalog, s.ID, s.LoadPercent)
	}
	if s.LatencyMs != nil && *s.LatencyMs < 0 {
		return fmt.Errorf("%w: server %s: negative latency", common.ErrInvalidCatalog, s.ID)
	}
	if _, _, err := net.SplitHostPort(s.EndpointAddress); err != nil {
		return fmt.Errorf("%w: server %s: endpoint %q: %v", common.ErrInvalidCatalog, s.ID, s.EndpointAddress, err)
	}
	return nil
}

// Latency returns a pointer suitable for ServerDescriptor.LatencyMs.
func Latency(ms int) *int {
	return &ms
}
