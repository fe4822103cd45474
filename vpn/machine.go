package vpn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
	"github.com/yllada/veilvpn/events"
	"github.com/yllada/veilvpn/metrics"
)

// allowedTransitions lists every legal edge of the session lifecycle.
var allowedTransitions = map[common.SessionState][]common.SessionState{
	common.StateIdle:          {common.StateConnecting},
	common.StateConnecting:    {common.StateConnecting, common.StateConnected, common.StateFailed, common.StateDisconnected},
	common.StateConnected:     {common.StateDisconnecting, common.StateFailed},
	common.StateDisconnecting: {common.StateDisconnected},
	common.StateFailed:        {common.StateConnecting},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to common.SessionState) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// MachineConfig tunes retries and timeouts.
type MachineConfig struct {
	MaxAttempts      int
	Backoff          Backoff
	HandshakeTimeout time.Duration
	TeardownTimeout  time.Duration
}

// DefaultMachineConfig returns the default session tuning.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		MaxAttempts:      common.DefaultMaxAttempts,
		Backoff:          DefaultBackoff(),
		HandshakeTimeout: common.DefaultHandshakeTimeout,
		TeardownTimeout:  common.DefaultTeardownTimeout,
	}
}

// MachineConfigFrom converts the session section of the configuration.
func MachineConfigFrom(c config.SessionConfig) MachineConfig {
	return MachineConfig{
		MaxAttempts: c.MaxAttempts,
		Backoff: Backoff{
			Base:       c.BackoffBase,
			Multiplier: c.BackoffMultiplier,
			Cap:        c.BackoffCap,
			Jitter:     c.BackoffJitter,
		},
		HandshakeTimeout: c.HandshakeTimeout,
		TeardownTimeout:  c.TeardownTimeout,
	}
}

// Transition is handed to the transition hook after every state change.
type Transition struct {
	Event    events.StatusEvent
	Snapshot Snapshot

	driver common.TunnelDriver
}

// Machine owns the lifecycle of one session at a time. All mutations run
// under a single mutex; readers use the lock-free Snapshot.
type Machine struct {
	mu      sync.Mutex
	cfg     MachineConfig
	drivers common.DriverFactory
	events  events.Publisher
	logger  zerolog.Logger

	cur     *session
	closed  bool
	changed chan struct{}

	snap     atomic.Pointer[Snapshot]
	hooks    *dispatcher
	onChange func(Transition)

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewMachine creates an idle machine. pub may be nil.
func NewMachine(cfg MachineConfig, drivers common.DriverFactory, pub events.Publisher) *Machine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = common.DefaultMaxAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = common.DefaultHandshakeTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = common.DefaultTeardownTimeout
	}
	m := &Machine{
		cfg:     cfg,
		drivers: drivers,
		events:  pub,
		logger:  common.WithComponent("vpn"),
		changed: make(chan struct{}),
		hooks:   newDispatcher(),
		now:     time.Now,
		after:   time.After,
	}
	m.snap.Store(&Snapshot{State: common.StateIdle})
	return m
}

// SetOnTransition registers fn to run after every transition. Calls are
// sequential and in transition order, on a goroutine owned by the machine.
// fn must not call Begin, End, Cancel, Retry or LinkLost synchronously.
func (m *Machine) SetOnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Snapshot returns the latest session view without locking.
func (m *Machine) Snapshot() Snapshot {
	return *m.snap.Load()
}

// watch returns the current snapshot and a channel closed on the next
// change.
func (m *Machine) watch() (Snapshot, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.snap.Load(), m.changed
}

// Begin starts a session against server. The handshake runs in the
// background; the returned snapshot is in Connecting.
func (m *Machine) Begin(server catalog.ServerDescriptor, cfg common.DriverConfig) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Snapshot{}, fmt.Errorf("%w: machine closed", common.ErrInvalidState)
	}
	if m.cur != nil && !m.cur.state.Terminal() {
		return Snapshot{}, fmt.Errorf("%w: session %s is %s", common.ErrInvalidState, m.cur.id, m.cur.state)
	}
	if !server.Usable() {
		return Snapshot{}, fmt.Errorf("%w: %s is offline", common.ErrInvalidServer, server.ID)
	}

	s, err := m.newSession(server.Clone(), cfg, common.StateIdle)
	if err != nil {
		return Snapshot{}, err
	}
	m.start(s, "")
	return s.snapshot(), nil
}

// Retry starts a fresh session for the server of a Failed session.
func (m *Machine) Retry() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Snapshot{}, fmt.Errorf("%w: machine closed", common.ErrInvalidState)
	}
	if m.cur == nil || m.cur.state != common.StateFailed {
		return Snapshot{}, fmt.Errorf("%w: retry requires a failed session", common.ErrInvalidState)
	}

	prev := m.cur
	s, err := m.newSession(prev.server.Clone(), prev.driverCfg, common.StateFailed)
	if err != nil {
		return Snapshot{}, err
	}
	m.start(s, "retry of "+prev.id)
	return s.snapshot(), nil
}

func (m *Machine) newSession(server catalog.ServerDescriptor, cfg common.DriverConfig, from common.SessionState) (*session, error) {
	if m.drivers == nil {
		return nil, fmt.Errorf("%w: no tunnel driver configured", common.ErrInvalidServer)
	}
	driver, err := m.drivers.NewDriver(string(server.Protocol))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrInvalidServer, server.ID, err)
	}
	return &session{
		id:         common.GenerateID(),
		server:     server,
		driverCfg:  cfg,
		driver:     driver,
		state:      from,
		createdAt:  m.now(),
		attempt:    1,
		workerDone: make(chan struct{}),
	}, nil
}

// start installs s as current, emits its first transition and launches
// the handshake worker. Caller holds m.mu.
func (m *Machine) start(s *session, reason string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	m.cur = s
	m.transition(s, common.StateConnecting, reason)
	go m.run(ctx, s)
}

type step int

const (
	stepDone step = iota
	stepRetry
	stepRelease
)

// run drives handshake attempts for s until it settles.
func (m *Machine) run(ctx context.Context, s *session) {
	defer close(s.workerDone)

	for {
		hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		err := s.driver.Handshake(hctx, s.server.EndpointAddress, s.driverCfg)
		cancel()

		next, delay := m.onDriverResult(ctx, s, err)
		switch next {
		case stepDone:
			return
		case stepRelease:
			m.teardown(s)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-m.after(delay):
		}

		if !m.reenter(s) {
			return
		}
	}
}

// onDriverResult folds one handshake outcome into the session.
func (m *Machine) onDriverResult(ctx context.Context, s *session, err error) (step, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.cancelling || ctx.Err() != nil {
		if err == nil {
			// The tunnel came up after cancellation; release it.
			return stepRelease, 0
		}
		return stepDone, 0
	}

	if err == nil {
		metrics.IncHandshake("success")
		s.startedAt = m.now()
		m.transition(s, common.StateConnected, "")
		return stepDone, 0
	}

	kind := common.Classify(err)
	metrics.IncHandshake(kind.String())

	if kind.Retryable() && s.attempt < m.cfg.MaxAttempts {
		delay := m.cfg.Backoff.Delay(s.attempt)
		s.retryReason = common.AsDriverError(err).Error()
		m.logger.Warn().
			Err(err).
			Str("session_id", s.id).
			Int("attempt", s.attempt).
			Dur("backoff", delay).
			Msg("handshake failed, retrying")
		return stepRetry, delay
	}

	s.lastErr = common.AsDriverError(err)
	m.transition(s, common.StateFailed, s.lastErr.Error())
	return stepDone, 0
}

// reenter moves s back into Connecting for its next attempt.
func (m *Machine) reenter(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.cancelling || s.state != common.StateConnecting {
		return false
	}
	s.attempt++
	m.transition(s, common.StateConnecting, s.retryReason)
	s.retryReason = ""
	return true
}

// End tears down a connected session. A driver that does not confirm
// teardown within the timeout is abandoned and the session still ends.
func (m *Machine) End() error {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.state != common.StateConnected || s.closing {
		m.mu.Unlock()
		return fmt.Errorf("%w: end requires a connected session", common.ErrInvalidState)
	}
	s.closing = true
	m.transition(s, common.StateDisconnecting, "")
	m.mu.Unlock()

	timedOut := m.teardown(s)

	m.mu.Lock()
	defer m.mu.Unlock()
	reason := ""
	if timedOut {
		s.teardownTimedOut = true
		s.driverLeaked = true
		reason = common.ErrTeardownTimeout.Error()
	}
	m.transition(s, common.StateDisconnected, reason)
	return nil
}

// Cancel aborts a connecting session, including any pending backoff.
// It returns once the worker has released the driver or the teardown
// timeout elapsed.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.state != common.StateConnecting || s.cancelling {
		m.mu.Unlock()
		return fmt.Errorf("%w: cancel requires a connecting session", common.ErrInvalidState)
	}
	s.cancelling = true
	s.cancel()
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.TeardownTimeout)
	defer timer.Stop()

	leaked := false
	select {
	case <-s.workerDone:
	case <-timer.C:
		leaked = true
		m.logger.Warn().
			Err(common.ErrTeardownTimeout).
			Str("session_id", s.id).
			Msg("handshake did not stop after cancel, abandoning driver")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if leaked {
		s.teardownTimedOut = true
		s.driverLeaked = true
	}
	m.transition(s, common.StateDisconnected, common.ErrCancelled.Error())
	return nil
}

// RecordTraffic adds byte deltas to the connected session.
func (m *Machine) RecordTraffic(sent, received uint64) error {
	return m.recordTraffic("", sent, received)
}

// recordTraffic is RecordTraffic restricted to sessionID when non-empty.
func (m *Machine) recordTraffic(sessionID string, sent, received uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.cur
	if s == nil || s.state != common.StateConnected || (sessionID != "" && s.id != sessionID) {
		return fmt.Errorf("%w: traffic requires a connected session", common.ErrInvalidState)
	}
	if sent == 0 && received == 0 {
		return nil
	}
	s.sent += sent
	s.received += received
	metrics.AddTraffic(sent, received)
	m.publishSnapshot(s)
	return nil
}

// LinkLost reports that the established tunnel of sessionID went away.
// A nil err means the remote closed cleanly. Stale or duplicate reports
// are ignored.
func (m *Machine) LinkLost(sessionID string, err error) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.id != sessionID || s.state != common.StateConnected || s.closing {
		m.mu.Unlock()
		m.logger.Debug().Str("session_id", sessionID).Msg("ignoring link loss for inactive session")
		return
	}
	s.closing = true

	if err == nil {
		m.transition(s, common.StateDisconnecting, "remote closed the tunnel")
		m.mu.Unlock()

		timedOut := m.teardown(s)

		m.mu.Lock()
		defer m.mu.Unlock()
		if timedOut {
			s.teardownTimedOut = true
			s.driverLeaked = true
		}
		m.transition(s, common.StateDisconnected, "remote closed the tunnel")
		return
	}
	m.mu.Unlock()

	m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("tunnel link lost")
	timedOut := m.teardown(s)

	m.mu.Lock()
	defer m.mu.Unlock()
	if timedOut {
		s.teardownTimedOut = true
		s.driverLeaked = true
	}
	s.lastErr = common.AsDriverError(err)
	m.transition(s, common.StateFailed, s.lastErr.Error())
}

// teardown releases the driver of s, bounded by the teardown timeout.
// It reports whether the timeout elapsed.
func (m *Machine) teardown(s *session) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.driver.Teardown(ctx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.id).Msg("driver teardown reported an error")
		}
		return false
	case <-ctx.Done():
	}

	m.logger.Warn().
		Err(common.ErrTeardownTimeout).
		Str("session_id", s.id).
		Dur("timeout", m.cfg.TeardownTimeout).
		Msg("driver did not confirm teardown, marking it leaked")
	return true
}

// Close ends whatever session is active and stops transition delivery.
func (m *Machine) Close() {
	for range 3 {
		var err error
		switch m.Snapshot().State {
		case common.StateConnecting:
			err = m.Cancel()
		case common.StateConnected:
			err = m.End()
		}
		if err == nil {
			break
		}
	}

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.hooks.stop()
}

// transition moves s to state `to`, publishes the event and queues the
// hook. Caller holds m.mu.
func (m *Machine) transition(s *session, to common.SessionState, reason string) {
	from := s.state
	if !CanTransition(from, to) {
		// Callers check state before calling; reaching this is a bug.
		m.logger.Error().
			Str("session_id", s.id).
			Stringer("from", from).
			Stringer("to", to).
			Msg("refusing illegal session transition")
		return
	}

	now := m.now()
	s.state = to
	if to.Terminal() {
		if s.endedAt.IsZero() {
			s.endedAt = now
		}
		if s.cancel != nil {
			s.cancel()
		}
	}

	ev := events.StatusEvent{
		SessionID: s.id,
		ServerID:  s.server.ID,
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
		Attempt:   s.attempt,
	}

	m.logger.Info().
		Str("session_id", s.id).
		Str("server", s.server.ID).
		Stringer("from", from).
		Stringer("to", to).
		Int("attempt", s.attempt).
		Str("reason", reason).
		Msg("session state changed")

	metrics.IncTransition(from.String(), to.String())
	snap := m.publishSnapshot(s)
	if m.events != nil {
		m.events.Publish(ev)
	}

	if fn := m.onChange; fn != nil {
		t := Transition{Event: ev, Snapshot: snap, driver: s.driver}
		m.hooks.submit(func() { fn(t) })
	}
}

// publishSnapshot stores the view of s and wakes watchers. Caller holds m.mu.
func (m *Machine) publishSnapshot(s *session) Snapshot {
	snap := s.snapshot()
	m.snap.Store(&snap)
	close(m.changed)
	m.changed = make(chan struct{})
	return snap
}
