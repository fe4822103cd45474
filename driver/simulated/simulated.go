// Package simulated provides a TunnelDriver that moves no packets. It
// reproduces the product's mock connection: a fixed handshake delay, a
// configurable failure chance and a short teardown. Seeded drivers are
// deterministic, which makes them suitable for demos and tests.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
)

// Synthetic throughput reported while the tunnel is up.
const (
	sentBytesPerSecond     = 12 * 1024
	receivedBytesPerSecond = 48 * 1024
)

// ErrSimulatedFailure is returned when the failure roll hits.
var ErrSimulatedFailure = errors.New("simulated connection failure")

// Config tunes a simulated driver.
type Config struct {
	HandshakeDelay time.Duration
	TeardownDelay  time.Duration
	// FailureRate is the chance in [0, 1] that a handshake fails.
	FailureRate float64
	// Seed makes the failure rolls reproducible. Zero picks a random seed.
	Seed int64
}

// ConfigFrom converts the application config section.
func ConfigFrom(c config.SimulatedConfig) Config {
	return Config{
		HandshakeDelay: c.HandshakeDelay,
		TeardownDelay:  c.TeardownDelay,
		FailureRate:    c.FailureRate,
		Seed:           c.Seed,
	}
}

// Driver is a simulated tunnel for one session.
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	up      bool
	upSince time.Time
	base    [2]uint64 // counters banked from previous up periods

	handshakes atomic.Int32
	linkDown   chan error
	now        func() time.Time
}

// New creates a driver. A negative delay is treated as zero and the
// failure rate is clamped to [0, 1].
func New(cfg Config) *Driver {
	cfg.HandshakeDelay = max(cfg.HandshakeDelay, 0)
	cfg.TeardownDelay = max(cfg.TeardownDelay, 0)
	cfg.FailureRate = min(max(cfg.FailureRate, 0), 1)

	seed := uint64(cfg.Seed)
	if cfg.Seed == 0 {
		seed = rand.Uint64()
	}

	return &Driver{
		cfg:      cfg,
		logger:   common.WithComponent("driver.simulated"),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		linkDown: make(chan error, 1),
		now:      time.Now,
	}
}

// Handshake waits for the configured delay, then rolls for failure.
func (d *Driver) Handshake(ctx context.Context, endpoint string, cfg common.DriverConfig) error {
	n := d.handshakes.Add(1)
	if endpoint == "" {
		return common.NewDriverError(common.KindProtocolError, errors.New("empty endpoint"))
	}

	d.logger.Debug().
		Str("endpoint", endpoint).
		Int32("attempt", n).
		Dur("delay", d.cfg.HandshakeDelay).
		Msg("simulating handshake")

	if err := sleep(ctx, d.cfg.HandshakeDelay); err != nil {
		return common.NewDriverError(common.Classify(err), err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rng.Float64() < d.cfg.FailureRate {
		return common.NewDriverError(common.KindNetworkUnreachable,
			fmt.Errorf("%w: %s", ErrSimulatedFailure, endpoint))
	}
	d.up = true
	d.upSince = d.now()
	return nil
}

// Teardown waits for the teardown delay and brings the tunnel down.
func (d *Driver) Teardown(ctx context.Context) error {
	err := sleep(ctx, d.cfg.TeardownDelay)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.bank()
	return err
}

// PollTraffic reports synthetic counters that grow while the tunnel is up.
func (d *Driver) PollTraffic() (sent, received uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sent, received = d.base[0], d.base[1]
	if d.up {
		s, r := d.running()
		sent += s
		received += r
	}
	return sent, received
}

// LinkDown reports simulated link loss, see Drop.
func (d *Driver) LinkDown() <-chan error {
	return d.linkDown
}

// Drop simulates the loss of an established tunnel. A nil err stands for
// a clean remote close. It reports whether the tunnel was up.
func (d *Driver) Drop(err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.up {
		return false
	}
	d.bank()
	select {
	case d.linkDown <- err:
	default:
	}
	return true
}

// Up reports whether the simulated tunnel is established.
func (d *Driver) Up() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.up
}

// Handshakes returns the number of handshake attempts so far.
func (d *Driver) Handshakes() int {
	return int(d.handshakes.Load())
}

// bank folds the running counters into base. Caller holds d.mu.
func (d *Driver) bank() {
	if !d.up {
		return
	}
	s, r := d.running()
	d.base[0] += s
	d.base[1] += r
	d.up = false
}

func (d *Driver) running() (uint64, uint64) {
	elapsed := d.now().Sub(d.upSince)
	if elapsed <= 0 {
		return 0, 0
	}
	return uint64(elapsed.Seconds() * sentBytesPerSecond),
		uint64(elapsed.Seconds() * receivedBytesPerSecond)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Factory builds simulated drivers for every protocol.
type Factory struct {
	cfg  Config
	next atomic.Int64

	mu   sync.Mutex
	last *Driver
}

// NewFactory creates a factory. With a non-zero seed each driver gets
// seed, seed+1, ... so a whole run is reproducible.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// NewDriver returns a fresh driver.
func (f *Factory) NewDriver(protocol string) (common.TunnelDriver, error) {
	cfg := f.cfg
	if cfg.Seed != 0 {
		cfg.Seed += f.next.Add(1) - 1
	}
	d := New(cfg)

	f.mu.Lock()
	f.last = d
	f.mu.Unlock()
	return d, nil
}

// Last returns the most recently built driver, or nil.
func (f *Factory) Last() *Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
