package simulated

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
)

func TestDriver_HandshakeSucceeds(t *testing.T) {
	d := New(Config{Seed: 1})

	require.NoError(t, d.Handshake(context.Background(), "10.0.0.1:1194", common.DriverConfig{}))
	assert.True(t, d.Up())
	assert.Equal(t, 1, d.Handshakes())

	require.NoError(t, d.Teardown(context.Background()))
	assert.False(t, d.Up())
}

func TestDriver_AlwaysFails(t *testing.T) {
	d := New(Config{FailureRate: 1, Seed: 7})

	err := d.Handshake(context.Background(), "10.0.0.1:1194", common.DriverConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSimulatedFailure)
	assert.Equal(t, common.KindNetworkUnreachable, common.Classify(err))
	assert.False(t, d.Up())
}

func TestDriver_SeededRollsAreReproducible(t *testing.T) {
	outcomes := func() []bool {
		d := New(Config{FailureRate: 0.5, Seed: 42})
		var out []bool
		for range 20 {
			out = append(out, d.Handshake(context.Background(), "h:1", common.DriverConfig{}) == nil)
		}
		return out
	}
	assert.Equal(t, outcomes(), outcomes())
}

func TestDriver_HandshakeHonoursContext(t *testing.T) {
	d := New(Config{HandshakeDelay: time.Hour, Seed: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.Handshake(ctx, "10.0.0.1:1194", common.DriverConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, common.KindTimeout, common.Classify(err))
}

func TestDriver_EmptyEndpoint(t *testing.T) {
	d := New(Config{Seed: 1})
	err := d.Handshake(context.Background(), "", common.DriverConfig{})
	assert.Equal(t, common.KindProtocolError, common.Classify(err))
}

func TestDriver_TrafficGrowsWhileUp(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := New(Config{Seed: 1})
	d.now = func() time.Time { return clock }

	sent, recv := d.PollTraffic()
	assert.Zero(t, sent)
	assert.Zero(t, recv)

	require.NoError(t, d.Handshake(context.Background(), "h:1", common.DriverConfig{}))
	clock = clock.Add(2 * time.Second)

	sent, recv = d.PollTraffic()
	assert.Equal(t, uint64(2*sentBytesPerSecond), sent)
	assert.Equal(t, uint64(2*receivedBytesPerSecond), recv)

	require.NoError(t, d.Teardown(context.Background()))
	clock = clock.Add(time.Minute)

	// Counters stop growing once down.
	s2, r2 := d.PollTraffic()
	assert.Equal(t, sent, s2)
	assert.Equal(t, recv, r2)
}

func TestDriver_Drop(t *testing.T) {
	d := New(Config{Seed: 1})
	assert.False(t, d.Drop(nil), "nothing to drop before the handshake")

	require.NoError(t, d.Handshake(context.Background(), "h:1", common.DriverConfig{}))
	cause := errors.New("peer vanished")
	assert.True(t, d.Drop(cause))
	assert.False(t, d.Up())

	select {
	case err := <-d.LinkDown():
		assert.Equal(t, cause, err)
	default:
		t.Fatal("expected a link down report")
	}
}

func TestNew_ClampsConfig(t *testing.T) {
	d := New(Config{HandshakeDelay: -time.Second, FailureRate: 3})
	assert.Zero(t, d.cfg.HandshakeDelay)
	assert.Equal(t, 1.0, d.cfg.FailureRate)
}

func TestFactory_SeedsPerDriver(t *testing.T) {
	f := NewFactory(Config{Seed: 100})

	a, err := f.NewDriver("wireguard")
	require.NoError(t, err)
	b, err := f.NewDriver("openvpn")
	require.NoError(t, err)

	assert.Equal(t, int64(100), a.(*Driver).cfg.Seed)
	assert.Equal(t, int64(101), b.(*Driver).cfg.Seed)
	assert.Same(t, b.(*Driver), f.Last())
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.DefaultConfig().Driver.Simulated)
	assert.Equal(t, 2*time.Second, cfg.HandshakeDelay)
	assert.Equal(t, time.Second, cfg.TeardownDelay)
	assert.InDelta(t, 0.1, cfg.FailureRate, 1e-9)
}
