// Package openvpn implements a TunnelDriver that runs the openvpn binary.
// The handshake is complete when openvpn reports "Initialization Sequence
// Completed"; failures are classified from its output. Traffic counters
// are read from the tun interface in sysfs.
package openvpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/config"
)

// OptionConfigFile in DriverConfig.Options names an explicit .ovpn file.
const (
	OptionConfigFile = "config"
	OptionProto      = "proto"
)

const (
	defaultSysfsNet = "/sys/class/net"
	// stopTimeout bounds the cleanup of a failed handshake.
	stopTimeout = 5 * time.Second
)

// ErrBinaryNotFound is returned when the openvpn binary is not installed.
var ErrBinaryNotFound = errors.New("openvpn binary not found")

// Config configures the driver.
type Config struct {
	Binary    string
	ConfigDir string
	// UsePkexec runs openvpn through pkexec for privilege elevation.
	UsePkexec bool
	// Routes enables include-mode split tunneling for these networks.
	Routes []string
	// SysfsNet is the sysfs network class directory.
	SysfsNet string
}

// ConfigFrom converts the application config section.
func ConfigFrom(c config.OpenVPNConfig) Config {
	return Config{
		Binary:    c.Binary,
		ConfigDir: c.ConfigDir,
		UsePkexec: c.UsePkexec,
		Routes:    c.Routes,
	}
}

// Available reports whether the configured binaries can be found.
func (c Config) Available() error {
	bin := c.Binary
	if bin == "" {
		bin = "openvpn"
	}
	if !checkCommandExists(bin) {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, bin)
	}
	if c.UsePkexec && !checkCommandExists("pkexec") {
		return fmt.Errorf("%w: pkexec", ErrBinaryNotFound)
	}
	return nil
}

// process is one running openvpn instance.
type process struct {
	cmd      *exec.Cmd
	credFile string
	events   chan lineEvent
	exited   chan struct{}
	exitErr  error
	stopping bool
}

// Driver runs openvpn for one session.
type Driver struct {
	cfg    Config
	routes []string
	logger zerolog.Logger

	command func(name string, args ...string) *exec.Cmd

	mu    sync.Mutex
	proc  *process
	iface string

	linkDown chan error
}

// New creates a driver.
func New(cfg Config) *Driver {
	if cfg.Binary == "" {
		cfg.Binary = "openvpn"
	}
	if cfg.SysfsNet == "" {
		cfg.SysfsNet = defaultSysfsNet
	}

	d := &Driver{
		cfg:      cfg,
		logger:   common.WithComponent("driver.openvpn"),
		command:  exec.Command,
		linkDown: make(chan error, 1),
	}

	valid, invalid := normalizeRoutes(cfg.Routes)
	for _, r := range invalid {
		d.logger.Warn().Str("route", r).Msg("ignoring invalid split tunnel route")
	}
	d.routes = valid
	return d
}

// Handshake starts openvpn and waits until the tunnel is up, openvpn
// reports a failure, the process exits or ctx is done.
func (d *Driver) Handshake(ctx context.Context, endpoint string, cfg common.DriverConfig) error {
	d.mu.Lock()
	if d.proc != nil {
		d.mu.Unlock()
		return common.NewDriverError(common.KindProtocolError, errors.New("openvpn already running"))
	}
	d.mu.Unlock()

	credFile, err := createCredentialsFile(cfg.Username, cfg.Secret)
	if err != nil {
		return common.NewDriverError(common.KindUnknown, fmt.Errorf("create credentials file: %w", err))
	}

	args, err := d.buildArgs(endpoint, cfg.Options, credFile)
	if err != nil {
		removeFile(credFile)
		return common.NewDriverError(common.KindProtocolError, err)
	}

	p, err := d.start(args, credFile)
	if err != nil {
		removeFile(credFile)
		return common.NewDriverError(common.KindUnknown, err)
	}

	d.mu.Lock()
	d.proc = p
	d.mu.Unlock()

	for {
		select {
		case ev := <-p.events:
			switch {
			case ev.up:
				go d.watchExit(p)
				d.logger.Info().Str("endpoint", endpoint).Str("iface", d.Interface()).Msg("tunnel established")
				return nil
			case ev.failed:
				d.stop(p)
				return common.NewDriverError(ev.kind, fmt.Errorf("openvpn reported %s", ev.kind))
			}

		case <-p.exited:
			d.release(p)
			select {
			case ev := <-p.events:
				if ev.failed {
					return common.NewDriverError(ev.kind, fmt.Errorf("openvpn reported %s", ev.kind))
				}
			default:
			}
			err := p.exitErr
			if err == nil {
				err = errors.New("openvpn exited before the tunnel came up")
			}
			return common.NewDriverError(common.KindProtocolError, err)

		case <-ctx.Done():
			d.stop(p)
			return common.NewDriverError(common.Classify(ctx.Err()), ctx.Err())
		}
	}
}

// Teardown terminates openvpn. The process gets SIGTERM and is killed
// if it is still running when ctx ends.
func (d *Driver) Teardown(ctx context.Context) error {
	d.mu.Lock()
	p := d.proc
	if p != nil {
		p.stopping = true
	}
	d.mu.Unlock()

	if p == nil {
		return nil
	}
	return d.terminate(ctx, p)
}

// PollTraffic reads the tun interface counters from sysfs. It reports
// zero until openvpn has named the device it opened.
func (d *Driver) PollTraffic() (sent, received uint64) {
	iface := d.Interface()
	if iface == "" {
		return 0, 0
	}
	stats := filepath.Join(d.cfg.SysfsNet, iface, "statistics")
	return readCounter(filepath.Join(stats, "tx_bytes")), readCounter(filepath.Join(stats, "rx_bytes"))
}

// LinkDown reports openvpn exiting after the tunnel was established.
func (d *Driver) LinkDown() <-chan error {
	return d.linkDown
}

// Interface returns the tun device name once openvpn opened it.
func (d *Driver) Interface() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iface
}

func (d *Driver) buildArgs(endpoint string, opts map[string]string, credFile string) ([]string, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	var args []string
	if path := d.configFile(host, opts); path != "" {
		args = append(args, "--config", path)
	} else {
		args = append(args, "--client", "--dev", "tun", "--nobind")
	}

	proto := opts[OptionProto]
	if proto == "" {
		proto = "udp"
	}
	args = append(args, "--remote", host, port, "--proto", proto)

	if credFile != "" {
		args = append(args, "--auth-user-pass", credFile)
	}
	args = append(args, "--verb", "3")
	args = append(args, routeArgs(d.routes)...)
	return args, nil
}

// configFile picks an explicit config option, then <ConfigDir>/<host>.ovpn.
func (d *Driver) configFile(host string, opts map[string]string) string {
	if path := opts[OptionConfigFile]; path != "" {
		return path
	}
	if d.cfg.ConfigDir == "" {
		return ""
	}
	path := filepath.Join(d.cfg.ConfigDir, host+".ovpn")
	if common.FileExists(path) {
		return path
	}
	return ""
}

func (d *Driver) start(args []string, credFile string) (*process, error) {
	var cmd *exec.Cmd
	if d.cfg.UsePkexec {
		cmd = d.command("pkexec", append([]string{d.cfg.Binary}, args...)...)
	} else {
		cmd = d.command(d.cfg.Binary, args...)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	d.logger.Debug().Str("binary", cmd.Path).Strs("args", cmd.Args[1:]).Msg("starting openvpn")
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("start openvpn: %w", err)
	}

	p := &process{
		cmd:      cmd,
		credFile: credFile,
		events:   make(chan lineEvent, 8),
		exited:   make(chan struct{}),
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		d.monitorOutput(p, pr)
	}()
	go func() {
		p.exitErr = cmd.Wait()
		pw.Close()
		// Every output line is classified before exited closes.
		<-scanned
		close(p.exited)
	}()

	d.logger.Info().Int("pid", cmd.Process.Pid).Msg("openvpn started")
	return p, nil
}

// monitorOutput logs openvpn output and forwards meaningful lines.
func (d *Driver) monitorOutput(p *process, r io.ReadCloser) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		d.logger.Debug().Str("line", line).Msg("openvpn")

		ev, ok := classifyLine(line)
		if !ok {
			continue
		}
		if ev.iface != "" {
			d.mu.Lock()
			d.iface = ev.iface
			d.mu.Unlock()
			continue
		}
		select {
		case p.events <- ev:
		default:
		}
	}
}

// watchExit reports an unrequested exit of an established tunnel.
func (d *Driver) watchExit(p *process) {
	<-p.exited

	d.mu.Lock()
	stopping := p.stopping
	d.mu.Unlock()

	if stopping {
		return
	}
	d.release(p)

	var err error
	if p.exitErr != nil {
		err = common.NewDriverError(common.KindNetworkUnreachable, fmt.Errorf("openvpn exited: %w", p.exitErr))
	}
	d.logger.Warn().Err(err).Msg("openvpn exited while connected")
	select {
	case d.linkDown <- err:
	default:
	}
}

// stop terminates p after a failed handshake.
func (d *Driver) stop(p *process) {
	d.mu.Lock()
	p.stopping = true
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := d.terminate(ctx, p); err != nil {
		d.logger.Warn().Err(err).Msg("openvpn did not stop cleanly")
	}
}

func (d *Driver) terminate(ctx context.Context, p *process) error {
	defer d.release(p)

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		d.logger.Debug().Err(err).Msg("SIGTERM failed, killing openvpn")
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
	}

	_ = p.cmd.Process.Kill()
	select {
	case <-p.exited:
	case <-time.After(time.Second):
	}
	return ctx.Err()
}

// release forgets p and removes its credentials file.
func (d *Driver) release(p *process) {
	d.mu.Lock()
	if d.proc == p {
		d.proc = nil
	}
	d.mu.Unlock()
	removeFile(p.credFile)
}

// createCredentialsFile writes an auth-user-pass file readable only by
// the current user. It returns "" when there is nothing to write.
func createCredentialsFile(username, password string) (string, error) {
	if username == "" && password == "" {
		return "", nil
	}

	tmpDir := filepath.Join(os.TempDir(), common.ConfigDirName)
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(tmpDir, "cred-*")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", username, password); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func readCounter(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func checkCommandExists(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

// Factory builds openvpn drivers. Only the openvpn protocol is supported.
type Factory struct {
	cfg Config
}

// NewFactory creates a factory.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// NewDriver returns a driver for protocol.
func (f *Factory) NewDriver(protocol string) (common.TunnelDriver, error) {
	if protocol != "openvpn" {
		return nil, fmt.Errorf("openvpn driver cannot serve %q servers", protocol)
	}
	return New(f.cfg), nil
}
