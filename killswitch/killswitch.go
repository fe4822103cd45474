// Package killswitch provides KillSwitch backends: a logging backend for
// systems without firewall access and an nftables backend that drops all
// egress except loopback, tunnel interfaces, VPN endpoints and optionally
// the local network.
package killswitch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
)

// Backend names accepted in config.
const (
	BackendLog      = "log"
	BackendNFTables = "nftables"
)

// EndpointSource lists the VPN endpoints that stay reachable while
// egress is blocked, keyed by server id.
type EndpointSource interface {
	Endpoints() map[string]string
}

// New returns the backend named in cfg, or nil when the kill switch is
// disabled.
func New(cfg config.KillSwitchConfig, endpoints EndpointSource) (common.KillSwitch, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case BackendLog, "":
		return NewLog(), nil
	case BackendNFTables:
		return NewNFTables(NFTablesConfig{AllowLAN: cfg.AllowLAN}, endpoints), nil
	default:
		return nil, fmt.Errorf("%w: unknown kill switch backend %q", common.ErrConfigLoad, cfg.Backend)
	}
}

// Log is a KillSwitch that only records what it would do.
type Log struct {
	engaged atomic.Bool
	logger  zerolog.Logger
}

// NewLog creates a logging kill switch.
func NewLog() *Log {
	return &Log{logger: common.WithComponent("killswitch")}
}

// Enable logs the engagement.
func (l *Log) Enable(ctx context.Context) error {
	if !l.engaged.Swap(true) {
		l.logger.Warn().Msg("kill switch engaged (log backend, traffic is not blocked)")
	}
	return nil
}

// Disable logs the release.
func (l *Log) Disable(ctx context.Context) error {
	if l.engaged.Swap(false) {
		l.logger.Info().Msg("kill switch released (log backend)")
	}
	return nil
}

// Engaged reports the current state.
func (l *Log) Engaged() bool {
	return l.engaged.Load()
}
