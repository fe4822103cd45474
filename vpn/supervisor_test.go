package vpn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/events"
)

type supervisorFixture struct {
	sup     *Supervisor
	catalog *catalog.Catalog
	sub     *events.Subscription
	ks      *fakeKillSwitch
	rec     *fakeRecorder
}

func newSupervisorFixture(t *testing.T, cfg SupervisorConfig, creds common.CredentialStore, drivers ...*fakeDriver) *supervisorFixture {
	t.Helper()

	cat := catalog.New(nil)
	other := testServer()
	other.ID = "nl-ams"
	other.EndpointAddress = "10.0.0.5:51820"
	require.NoError(t, cat.Replace([]catalog.ServerDescriptor{testServer(), other}))

	bus := events.NewBus(64)
	f := &supervisorFixture{
		catalog: cat,
		sub:     bus.Subscribe(),
		ks:      &fakeKillSwitch{},
		rec:     &fakeRecorder{},
	}
	if cfg.Machine.MaxAttempts == 0 {
		cfg.Machine = fastConfig()
	}
	if cfg.TrafficPollInterval == 0 {
		cfg.TrafficPollInterval = 5 * time.Millisecond
	}
	f.sup = NewSupervisor(cfg, Deps{
		Drivers:     factoryOf(drivers...),
		Events:      bus,
		Servers:     cat,
		Credentials: creds,
		KillSwitch:  f.ks,
		Recorder:    f.rec,
	})
	t.Cleanup(func() {
		_ = f.sup.Close(context.Background())
		bus.Close()
	})
	return f
}

func (f *supervisorFixture) connect(t *testing.T) Snapshot {
	t.Helper()
	ctx := context.Background()
	_, err := f.sup.Connect(ctx)
	require.NoError(t, err)
	snap, err := f.sup.WaitSettled(ctx)
	require.NoError(t, err)
	return snap
}

func TestSupervisor_ConnectRequiresSelection(t *testing.T) {
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, newFakeDriver())

	_, err := f.sup.Connect(context.Background())
	assert.ErrorIs(t, err, common.ErrNoServerSelected)

	assert.ErrorIs(t, f.sup.SelectServerByID("atlantis"), common.ErrServerNotFound)
}

func TestSupervisor_ConnectLifecycle(t *testing.T) {
	d := newFakeDriver()
	d.blockHandshake = true
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, d)
	ctx := context.Background()

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	first, err := f.sup.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, connecting, first.State)

	again, err := f.sup.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, again.SessionID, "Connect must be idempotent while connecting")

	assert.ErrorIs(t, f.sup.SelectServerByID("nl-ams"), common.ErrServerLocked)
	selected, ok := f.sup.Selected()
	require.True(t, ok)
	assert.Equal(t, "de-fra", selected.ID)

	require.NoError(t, f.sup.Disconnect(ctx))
	assert.Equal(t, disconnected, f.sup.Status().State)
	assert.Zero(t, f.ks.enables.Load(), "explicit disconnect must not engage the kill switch")
	assert.Equal(t, []edge{
		{From: idle, To: connecting, Attempt: 1},
		{From: connecting, To: disconnected, Attempt: 1},
	}, collectUntil(t, f.sub, disconnected))

	require.NoError(t, f.sup.SelectServerByID("nl-ams"))
}

func TestSupervisor_ConcurrentConnectSharesOneSession(t *testing.T) {
	d := newFakeDriver()
	d.blockHandshake = true
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, d)
	ctx := context.Background()
	require.NoError(t, f.sup.SelectServerByID("de-fra"))

	const callers = 32
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := f.sup.Connect(ctx)
			if assert.NoError(t, err) {
				ids <- snap.SessionID
			}
		}()
	}
	wg.Wait()
	close(ids)

	distinct := make(map[string]int)
	for id := range ids {
		distinct[id]++
	}
	require.Len(t, distinct, 1, "concurrent connects must share one session")
	for id, n := range distinct {
		assert.NotEmpty(t, id)
		assert.Equal(t, callers, n)
	}

	require.NoError(t, f.sup.Disconnect(ctx))
	assert.Equal(t, []edge{
		{From: idle, To: connecting, Attempt: 1},
		{From: connecting, To: disconnected, Attempt: 1},
	}, collectUntil(t, f.sub, disconnected))
	assert.LessOrEqual(t, d.handshakes.Load(), int32(1))
}

func TestSupervisor_ConnectedThenDisconnect(t *testing.T) {
	d := newFakeDriver()
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, d)
	ctx := context.Background()

	require.NoError(t, f.sup.SelectServer(testServer()))
	snap := f.connect(t)
	require.Equal(t, connected, snap.State)

	again, err := f.sup.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.SessionID, again.SessionID)

	require.NoError(t, f.sup.Disconnect(ctx))
	final := f.sup.Status()
	assert.Equal(t, disconnected, final.State)
	assert.Equal(t, int32(1), d.teardowns.Load())

	// Disconnect is a no-op once the session is terminal.
	require.NoError(t, f.sup.Disconnect(ctx))

	require.Eventually(t, func() bool { return len(f.rec.recorded()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, final.SessionID, f.rec.recorded()[0].SessionID)
}

func TestSupervisor_ConnectUsesCurrentCatalogStatus(t *testing.T) {
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, newFakeDriver())

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	f.catalog.ApplyHealth(map[string]catalog.HealthResult{"de-fra": {Status: catalog.StatusOffline}})

	_, err := f.sup.Connect(context.Background())
	assert.ErrorIs(t, err, common.ErrInvalidServer)
	assert.Equal(t, idle, f.sup.Status().State)
}

func TestSupervisor_ResolvesCredentials(t *testing.T) {
	d := newFakeDriver()
	creds := fakeCreds{"alice": "s3cret"}
	f := newSupervisorFixture(t, SupervisorConfig{Username: "alice"}, creds, d)

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	f.connect(t)

	cfg := d.lastConfig()
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "s3cret", cfg.Secret)
}

func TestSupervisor_KillSwitchOnFailure(t *testing.T) {
	first := newFakeDriver(errAuth)
	second := newFakeDriver()
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, first, second)
	ctx := context.Background()

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	snap := f.connect(t)
	require.Equal(t, failed, snap.State)

	require.Eventually(t, f.sup.KillSwitchEngaged, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), f.ks.enables.Load())

	// A successful retry releases it.
	_, err := f.sup.Retry(ctx)
	require.NoError(t, err)
	snap, err = f.sup.WaitSettled(ctx)
	require.NoError(t, err)
	require.Equal(t, connected, snap.State)
	require.Eventually(t, func() bool { return !f.sup.KillSwitchEngaged() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), f.ks.disables.Load())

	_, err = f.sup.Retry(ctx)
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func TestSupervisor_KillSwitchReleasedByDisconnect(t *testing.T) {
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, newFakeDriver(errAuth))

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	f.connect(t)

	require.NoError(t, f.sup.Disconnect(context.Background()))
	assert.False(t, f.sup.KillSwitchEngaged())
	assert.Equal(t, int32(1), f.ks.enables.Load())
	assert.Equal(t, int32(1), f.ks.disables.Load())
}

func TestSupervisor_KillSwitchOnUnexpectedDisconnect(t *testing.T) {
	d := newFakeDriver()
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, d)

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	f.connect(t)

	// The remote closes the tunnel cleanly while the user still wants it up.
	d.linkDown <- nil

	require.Eventually(t, func() bool { return f.sup.Status().State == disconnected }, time.Second, time.Millisecond)
	require.Eventually(t, f.sup.KillSwitchEngaged, time.Second, time.Millisecond)
}

func TestSupervisor_LinkLossFails(t *testing.T) {
	d := newFakeDriver()
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, d)

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	f.connect(t)

	d.linkDown <- errUnreachable

	require.Eventually(t, func() bool { return f.sup.Status().State == failed }, time.Second, time.Millisecond)
	assert.Equal(t, common.KindNetworkUnreachable, f.sup.Status().ErrorKind())
	require.Eventually(t, f.sup.KillSwitchEngaged, time.Second, time.Millisecond)
}

func TestSupervisor_FailClosedTeardownTimeout(t *testing.T) {
	d := newFakeDriver()
	d.hangTeardown = true
	defer close(d.release)

	cfg := SupervisorConfig{Machine: fastConfig(), TeardownPolicy: common.TeardownFailClosed}
	cfg.Machine.TeardownTimeout = 30 * time.Millisecond
	f := newSupervisorFixture(t, cfg, nil, d)

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	f.connect(t)

	require.NoError(t, f.sup.Disconnect(context.Background()))
	snap := f.sup.Status()
	assert.Equal(t, disconnected, snap.State)
	assert.True(t, snap.TeardownTimedOut)
	assert.True(t, f.sup.KillSwitchEngaged(), "fail-closed keeps egress blocked after an unconfirmed teardown")
}

func TestSupervisor_FailOpenTeardownTimeout(t *testing.T) {
	d := newFakeDriver()
	d.hangTeardown = true
	defer close(d.release)

	cfg := SupervisorConfig{Machine: fastConfig(), TeardownPolicy: common.TeardownFailOpen}
	cfg.Machine.TeardownTimeout = 30 * time.Millisecond
	f := newSupervisorFixture(t, cfg, nil, d)

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	f.connect(t)

	require.NoError(t, f.sup.Disconnect(context.Background()))
	assert.True(t, f.sup.Status().DriverLeaked)
	assert.False(t, f.sup.KillSwitchEngaged())
}

func TestSupervisor_TrafficPolling(t *testing.T) {
	d := newFakeDriver()
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, d)

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	f.connect(t)

	d.sent.Store(100)
	d.received.Store(300)
	require.Eventually(t, func() bool {
		s := f.sup.Status()
		return s.BytesSent == 100 && s.BytesReceived == 300
	}, time.Second, time.Millisecond)

	// The last sample is flushed before teardown.
	d.sent.Store(1000)
	d.received.Store(2000)
	require.NoError(t, f.sup.Disconnect(context.Background()))

	final := f.sup.Status()
	assert.Equal(t, uint64(1000), final.BytesSent)
	assert.Equal(t, uint64(2000), final.BytesReceived)
}

func TestCounterDelta(t *testing.T) {
	assert.Equal(t, uint64(5), counterDelta(10, 15))
	assert.Equal(t, uint64(0), counterDelta(10, 10))
	assert.Equal(t, uint64(0), counterDelta(10, 3), "counter reset yields no negative delta")
}

func TestSupervisor_WaitSettledHonoursContext(t *testing.T) {
	d := newFakeDriver()
	d.blockHandshake = true
	f := newSupervisorFixture(t, SupervisorConfig{}, nil, d)

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	_, err := f.sup.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := f.sup.WaitSettled(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, connecting, snap.State)
}
