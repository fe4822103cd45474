// Package daemon assembles the session core from the configuration and
// runs its long-lived workers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yllada/veilvpn/api"
	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
	"github.com/yllada/veilvpn/driver"
	"github.com/yllada/veilvpn/events"
	"github.com/yllada/veilvpn/history"
	"github.com/yllada/veilvpn/keyring"
	"github.com/yllada/veilvpn/killswitch"
	"github.com/yllada/veilvpn/notify"
	"github.com/yllada/veilvpn/vpn"
)

const (
	shutdownTimeout     = 15 * time.Second
	historyMaxAge       = 90 * 24 * time.Hour
	logRotationInterval = time.Minute
)

// rotator is the part of the file logger the daemon drives.
type rotator interface {
	CheckRotation()
}

// Options overrides pieces of the assembly, mostly for tests.
type Options struct {
	// Listener replaces listening on cfg.API.Listen.
	Listener net.Listener
	// Credentials replaces the keyring-backed store.
	Credentials common.CredentialStore
	// Notifier replaces the D-Bus notifier.
	Notifier notify.Sender
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg        *config.Config
	opts       Options
	Catalog    *catalog.Catalog
	Bus        *events.Bus
	Supervisor *vpn.Supervisor
	History    *history.Store
	health     *catalog.HealthChecker
	dbus       *notify.DBus
	logger     zerolog.Logger
}

// New builds the component graph. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	d := &Daemon{cfg: cfg, opts: opts, logger: common.WithComponent("daemon")}

	source, err := newSource(cfg)
	if err != nil {
		return nil, err
	}
	d.Catalog = catalog.New(source)
	d.Bus = events.NewBus(cfg.Events.QueueSize)

	drivers, err := driver.NewFactory(cfg.Driver)
	if err != nil {
		return nil, err
	}
	ks, err := killswitch.New(cfg.KillSwitch, d.Catalog)
	if err != nil {
		return nil, err
	}

	creds := opts.Credentials
	if creds == nil && cfg.Driver.Username != "" {
		store, err := keyring.New(keyring.Options{})
		if err != nil {
			return nil, fmt.Errorf("credential store: %w", err)
		}
		creds = store
	}

	deps := vpn.Deps{
		Drivers:     drivers,
		Events:      d.Bus,
		Servers:     d.Catalog,
		Credentials: creds,
		KillSwitch:  ks,
	}
	if cfg.History.Enabled {
		d.History, err = history.Open(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		deps.Recorder = d.History
	}
	d.Supervisor = vpn.NewSupervisor(vpn.SupervisorConfigFrom(cfg), deps)

	if cfg.Catalog.Health.Enabled {
		d.health = catalog.NewHealthChecker(d.Catalog, catalog.HealthConfig{
			CheckInterval:    cfg.Catalog.Health.Interval,
			FailureThreshold: cfg.Catalog.Health.FailureThreshold,
			DialTimeout:      cfg.Catalog.Health.DialTimeout,
			DegradedLatency:  common.DegradedLatencyMs * time.Millisecond,
		})
	}
	return d, nil
}

func newSource(cfg *config.Config) (catalog.Source, error) {
	switch cfg.Catalog.Source {
	case "file", "":
		return catalog.NewFileSource(cfg.Catalog.Path), nil
	case "http":
		url, err := cfg.CatalogURL()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
		}
		return catalog.NewHTTPSource(url), nil
	default:
		return nil, fmt.Errorf("%w: unknown catalog source %q", common.ErrConfigLoad, cfg.Catalog.Source)
	}
}

// Run starts every worker and blocks until ctx is done or one of them
// fails. The session is disconnected before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Catalog.Refresh(ctx); err != nil {
		// An empty catalog is still useful: the watcher or the next
		// refresh may fill it.
		d.logger.Warn().Err(err).Msg("initial catalog load failed")
	} else {
		d.logger.Info().Int("servers", d.Catalog.Len()).Msg("server catalog loaded")
	}

	g, gctx := errgroup.WithContext(ctx)

	switch {
	case d.cfg.Catalog.Source == "http":
		g.Go(func() error { return d.refreshLoop(gctx) })
	case d.cfg.Catalog.Watch:
		w := catalog.NewWatcher(d.Catalog, d.cfg.Catalog.Path)
		g.Go(func() error { return w.Run(gctx) })
	}
	if d.health != nil {
		d.health.Start(gctx)
		defer d.health.Stop()
	}
	if d.History != nil {
		g.Go(func() error { return d.pruneHistory(gctx) })
	}
	if d.cfg.Log.File {
		g.Go(func() error { return rotateLogs(gctx, common.GetLogger(), logRotationInterval) })
	}
	if sender := d.notifier(); sender != nil {
		names := func(id string) string {
			if s, err := d.Catalog.Get(id); err == nil {
				return s.DisplayName()
			}
			return id
		}
		w := notify.NewWatcher(sender, names)
		sub := d.Bus.Subscribe()
		g.Go(func() error {
			if err := w.Run(gctx, sub); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	srv := api.NewServer(api.Options{
		Session:           d.Supervisor,
		Servers:           d.Catalog,
		History:           d.history(),
		Events:            d.Bus,
		RequestsPerMinute: d.cfg.API.RequestsPerMinute,
	})
	g.Go(func() error {
		if d.opts.Listener != nil {
			return srv.Serve(gctx, d.opts.Listener)
		}
		return srv.ListenAndServe(gctx, d.cfg.API.Listen)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, d.Close())
}

// history returns the store as an api.History, or nil when disabled.
func (d *Daemon) history() api.History {
	if d.History == nil {
		return nil
	}
	return d.History
}

func (d *Daemon) notifier() notify.Sender {
	if d.opts.Notifier != nil {
		return d.opts.Notifier
	}
	if !d.cfg.Notifications.Enabled {
		return nil
	}
	n, err := notify.NewDBus()
	if err != nil {
		d.logger.Warn().Err(err).Msg("desktop notifications unavailable")
		return nil
	}
	d.dbus = n
	return n
}

// refreshLoop re-fetches the catalog on the configured interval.
func (d *Daemon) refreshLoop(ctx context.Context) error {
	interval := d.cfg.Catalog.RefreshInterval
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = d.Catalog.Refresh(ctx)
		}
	}
}

// rotateLogs rotates the log file whenever it outgrows its size limit.
func rotateLogs(ctx context.Context, r rotator, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CheckRotation()
		}
	}
}

// pruneHistory drops old sessions once at startup and then daily.
func (d *Daemon) pruneHistory(ctx context.Context) error {
	prune := func() {
		n, err := d.History.Prune(ctx, time.Now().Add(-historyMaxAge))
		if err != nil {
			d.logger.Warn().Err(err).Msg("history prune failed")
			return
		}
		if n > 0 {
			d.logger.Info().Int64("sessions", n).Msg("pruned old sessions")
		}
	}
	prune()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			prune()
		}
	}
}

// Close disconnects the session and releases every resource.
func (d *Daemon) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := d.Supervisor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	d.Bus.Close()
	if d.History != nil {
		if err := d.History.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	if d.dbus != nil {
		_ = d.dbus.Close()
	}
	return errors.Join(errs...)
}
