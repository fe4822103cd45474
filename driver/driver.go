// Package driver selects the tunnel driver implementation named in the
// configuration.
package driver

import (
	"fmt"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
	"github.com/yllada/veilvpn/driver/openvpn"
	"github.com/yllada/veilvpn/driver/simulated"
)

// Driver kinds accepted in config.
const (
	KindSimulated = "simulated"
	KindOpenVPN   = "openvpn"
)

// NewFactory returns the driver factory for cfg.Kind.
func NewFactory(cfg config.DriverConfig) (common.DriverFactory, error) {
	logger := common.WithComponent("driver")

	switch cfg.Kind {
	case KindSimulated, "":
		sc := simulated.ConfigFrom(cfg.Simulated)
		logger.Info().
			Dur("handshake_delay", sc.HandshakeDelay).
			Float64("failure_rate", sc.FailureRate).
			Msg("using simulated tunnel driver")
		return simulated.NewFactory(sc), nil

	case KindOpenVPN:
		oc := openvpn.ConfigFrom(cfg.OpenVPN)
		if err := oc.Available(); err != nil {
			// Connect attempts will fail with a classified error instead.
			logger.Warn().Err(err).Msg("openvpn driver selected but not installed")
		}
		return openvpn.NewFactory(oc), nil

	default:
		return nil, fmt.Errorf("%w: unknown driver kind %q", common.ErrConfigLoad, cfg.Kind)
	}
}
