package vpn

import (
	"context"
	"errors"
	"fmt"
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

const (
	killSwitchTimeout = 10 * time.Second
	recordTimeout     = 5 * time.Second
)

// ServerLookup resolves the current descriptor of a server.
type ServerLookup interface {
	Get(id string) (catalog.ServerDescriptor, error)
}

// SessionRecorder persists sessions once they end.
type SessionRecorder interface {
	RecordSession(ctx context.Context, snap Snapshot) error
}

// SupervisorConfig tunes the supervisor.
type SupervisorConfig struct {
	Machine MachineConfig
	// TeardownPolicy is common.TeardownFailOpen or common.TeardownFailClosed.
	TeardownPolicy      string
	TrafficPollInterval time.Duration
	// Username is the account whose secret is resolved for every connect.
	Username string
}

// SupervisorConfigFrom builds a SupervisorConfig from the application config.
func SupervisorConfigFrom(cfg *config.Config) SupervisorConfig {
	return SupervisorConfig{
		Machine:             MachineConfigFrom(cfg.Session),
		TeardownPolicy:      cfg.Session.TeardownPolicy,
		TrafficPollInterval: cfg.Session.TrafficPollInterval,
		Username:            cfg.Driver.Username,
	}
}

// Deps are the collaborators of a Supervisor. Only Drivers is required.
type Deps struct {
	Drivers     common.DriverFactory
	Events      events.Publisher
	Servers     ServerLookup
	Credentials common.CredentialStore
	// KillSwitch is nil when the kill switch is disabled.
	KillSwitch common.KillSwitch
	Recorder   SessionRecorder
}

// Supervisor is the public face of the session core: it owns server
// selection, connect and disconnect intent, the kill-switch policy and
// the per-session traffic monitor.
type Supervisor struct {
	mu        sync.Mutex // serializes selection, connect and disconnect
	cfg       SupervisorConfig
	machine   *Machine
	deps      Deps
	candidate *catalog.ServerDescriptor

	stayConnected atomic.Bool

	ksMu      sync.Mutex
	ksEngaged bool

	monMu   sync.Mutex
	monitor *tunnelMonitor

	logger zerolog.Logger
}

// NewSupervisor creates a supervisor with an idle session machine.
func NewSupervisor(cfg SupervisorConfig, deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		machine: NewMachine(cfg.Machine, deps.Drivers, deps.Events),
		deps:    deps,
		logger:  common.WithComponent("supervisor"),
	}
	s.machine.SetOnTransition(s.onTransition)
	return s
}

// Machine returns the underlying session machine.
func (s *Supervisor) Machine() *Machine {
	return s.machine
}

// SelectServer stores the candidate for the next Connect.
func (s *Supervisor) SelectServer(server catalog.ServerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state := s.machine.Snapshot().State; state.Active() {
		return fmt.Errorf("%w: session is %s", common.ErrServerLocked, state)
	}
	server = server.Clone()
	s.candidate = &server
	s.logger.Info().Str("server", server.ID).Msg("server selected")
	return nil
}

// SelectServerByID selects a server from the catalog.
func (s *Supervisor) SelectServerByID(id string) error {
	if s.deps.Servers == nil {
		return fmt.Errorf("%w: %s", common.ErrServerNotFound, id)
	}
	server, err := s.deps.Servers.Get(id)
	if err != nil {
		return err
	}
	return s.SelectServer(server)
}

// Selected returns the current candidate.
func (s *Supervisor) Selected() (catalog.ServerDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return catalog.ServerDescriptor{}, false
	}
	return s.candidate.Clone(), true
}

// Connect starts a session to the selected server and returns while it is
// still Connecting. Calling it while Connecting or Connected returns the
// current session.
func (s *Supervisor) Connect(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.machine.Snapshot()
	switch snap.State {
	case common.StateConnecting, common.StateConnected:
		return snap, nil
	case common.StateDisconnecting:
		return snap, fmt.Errorf("%w: session is disconnecting", common.ErrInvalidState)
	}

	if s.candidate == nil {
		return Snapshot{}, common.ErrNoServerSelected
	}

	server := *s.candidate
	if s.deps.Servers != nil {
		current, err := s.deps.Servers.Get(server.ID)
		if err != nil {
			return Snapshot{}, err
		}
		server = current
		s.candidate = &current
	}

	driverCfg, err := s.driverConfig()
	if err != nil {
		return Snapshot{}, err
	}

	s.stayConnected.Store(true)
	snap, err = s.machine.Begin(server, driverCfg)
	if err != nil {
		s.stayConnected.Store(false)
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Supervisor) driverConfig() (common.DriverConfig, error) {
	cfg := common.DriverConfig{Username: s.cfg.Username}
	if s.cfg.Username == "" || s.deps.Credentials == nil {
		return cfg, nil
	}
	secret, err := s.deps.Credentials.Get(s.cfg.Username)
	switch {
	case errors.Is(err, common.ErrCredentialsNotFound):
		s.logger.Warn().Str("username", s.cfg.Username).Msg("no stored secret, connecting without one")
	case err != nil:
		return cfg, fmt.Errorf("resolve credentials: %w", err)
	default:
		cfg.Secret = secret
	}
	return cfg, nil
}

// WaitSettled blocks until the session is Connected or terminal.
func (s *Supervisor) WaitSettled(ctx context.Context) (Snapshot, error) {
	for {
		snap, changed := s.machine.watch()
		if snap.State == common.StateConnected || snap.State.Terminal() || snap.State == common.StateIdle {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

// Disconnect clears the stay-connected intent and ends the session:
// Connected sessions are torn down, Connecting ones cancelled. It is a
// no-op otherwise.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stayConnected.Store(false)

	var err error
	for range 3 {
		switch s.machine.Snapshot().State {
		case common.StateConnected:
			s.stopMonitor(true)
			err = s.machine.End()
		case common.StateConnecting:
			err = s.machine.Cancel()
		default:
			err = nil
		}
		// ErrInvalidState means the session moved on underneath us; look again.
		if !errors.Is(err, common.ErrInvalidState) {
			break
		}
	}
	if errors.Is(err, common.ErrInvalidState) {
		err = nil
	}

	s.machine.hooks.sync()

	final := s.machine.Snapshot()
	if final.TeardownTimedOut && s.failClosed() {
		s.logger.Warn().
			Str("session_id", final.SessionID).
			Msg("teardown unconfirmed, kill switch stays engaged")
		return err
	}
	s.releaseKillSwitch(ctx, "disconnect requested")
	return err
}

// Retry restarts a Failed session against the same server.
func (s *Supervisor) Retry(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.machine.Snapshot()
	if snap.State != common.StateFailed {
		return snap, fmt.Errorf("%w: retry requires a failed session", common.ErrInvalidState)
	}
	if s.deps.Servers != nil {
		current, err := s.deps.Servers.Get(snap.Server.ID)
		if err != nil {
			return snap, err
		}
		if !current.Usable() {
			return snap, fmt.Errorf("%w: %s is offline", common.ErrInvalidServer, current.ID)
		}
	}

	s.stayConnected.Store(true)
	next, err := s.machine.Retry()
	if err != nil {
		s.stayConnected.Store(false)
		return snap, err
	}
	return next, nil
}

// Status returns the current session view.
func (s *Supervisor) Status() Snapshot {
	return s.machine.Snapshot()
}

// KillSwitchEngaged reports whether egress is currently blocked.
func (s *Supervisor) KillSwitchEngaged() bool {
	s.ksMu.Lock()
	defer s.ksMu.Unlock()
	return s.ksEngaged
}

// Close disconnects and stops the machine.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.Disconnect(ctx)
	s.machine.Close()
	s.stopMonitor(false)
	return err
}

func (s *Supervisor) failClosed() bool {
	return s.cfg.TeardownPolicy == common.TeardownFailClosed && s.deps.KillSwitch != nil
}

// onTransition applies the kill-switch policy, drives the tunnel monitor
// and records finished sessions. It runs on the machine's hook goroutine.
func (s *Supervisor) onTransition(t Transition) {
	switch t.Event.To {
	case common.StateConnected:
		s.releaseKillSwitch(context.Background(), "tunnel established")
		s.startMonitor(t)

	case common.StateDisconnecting:
		s.stopMonitor(false)

	case common.StateFailed:
		s.stopMonitor(false)
		if s.stayConnected.Load() {
			s.engageKillSwitch("session failed")
		}
		s.record(t.Snapshot)

	case common.StateDisconnected:
		s.stopMonitor(false)
		switch {
		case t.Snapshot.TeardownTimedOut && s.failClosed():
			s.engageKillSwitch("teardown unconfirmed")
		case s.stayConnected.Load():
			s.engageKillSwitch("tunnel lost")
		}
		s.record(t.Snapshot)
	}
}

func (s *Supervisor) startMonitor(t Transition) {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	if s.monitor != nil {
		s.monitor.stop(false)
	}
	s.monitor = startTunnelMonitor(s.machine, t, s.cfg.TrafficPollInterval)
}

func (s *Supervisor) stopMonitor(flush bool) {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	if s.monitor == nil {
		return
	}
	s.monitor.stop(flush)
	s.monitor = nil
}

func (s *Supervisor) engageKillSwitch(reason string) {
	ks := s.deps.KillSwitch
	if ks == nil {
		return
	}

	s.ksMu.Lock()
	defer s.ksMu.Unlock()
	if s.ksEngaged {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), killSwitchTimeout)
	defer cancel()
	if err := ks.Enable(ctx); err != nil {
		s.logger.Error().Err(err).Str("reason", reason).Msg("failed to engage kill switch")
		return
	}
	s.ksEngaged = true
	metrics.SetKillSwitch(true)
	s.logger.Warn().Str("reason", reason).Msg("kill switch engaged")
}

func (s *Supervisor) releaseKillSwitch(ctx context.Context, reason string) {
	ks := s.deps.KillSwitch
	if ks == nil {
		return
	}

	s.ksMu.Lock()
	defer s.ksMu.Unlock()
	if !s.ksEngaged {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killSwitchTimeout)
	defer cancel()
	if err := ks.Disable(ctx); err != nil {
		s.logger.Error().Err(err).Str("reason", reason).Msg("failed to release kill switch")
		return
	}
	s.ksEngaged = false
	metrics.SetKillSwitch(false)
	s.logger.Info().Str("reason", reason).Msg("kill switch released")
}

func (s *Supervisor) record(snap Snapshot) {
	if s.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.deps.Recorder.RecordSession(ctx, snap); err != nil {
		s.logger.Warn().Err(err).Str("session_id", snap.SessionID).Msg("failed to record session")
	}
}
