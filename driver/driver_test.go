package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
	"github.com/yllada/veilvpn/driver/openvpn"
	"github.com/yllada/veilvpn/driver/simulated"
)

func TestNewFactory(t *testing.T) {
	cfg := config.DefaultConfig().Driver

	f, err := NewFactory(cfg)
	require.NoError(t, err)
	d, err := f.NewDriver("wireguard")
	require.NoError(t, err)
	assert.IsType(t, &simulated.Driver{}, d)

	cfg.Kind = KindOpenVPN
	cfg.OpenVPN.Binary = "definitely-not-installed-openvpn"
	f, err = NewFactory(cfg)
	require.NoError(t, err)
	d, err = f.NewDriver("openvpn")
	require.NoError(t, err)
	assert.IsType(t, &openvpn.Driver{}, d)

	cfg.Kind = "ipsec"
	_, err = NewFactory(cfg)
	assert.ErrorIs(t, err, common.ErrConfigLoad)
}
