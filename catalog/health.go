package catalog

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yllada/veilvpn/common"
)

// HealthResult is the outcome of probing one server.
type HealthResult struct {
	Status  ServerStatus
	Latency time.Duration
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often every endpoint is probed.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures mark a server offline.
	FailureThreshold int
	// DialTimeout bounds each probe.
	DialTimeout time.Duration
	// DegradedLatency marks slow but reachable servers degraded. Zero disables it.
	DegradedLatency time.Duration
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:    common.DefaultHealthCheckInterval,
		FailureThreshold: common.DefaultHealthFailureThreshold,
		DialTimeout:      common.DefaultHealthDialTimeout,
		DegradedLatency:  common.DegradedLatencyMs * time.Millisecond,
	}
}

// DialFunc opens a probe connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// serverHealth tracks the probe history of one server.
type serverHealth struct {
	consecutiveFails int
	lastCheck        time.Time
	lastSuccess      time.Time
}

// HealthChecker periodically probes every catalog endpoint over TCP and
// writes the derived status back into the catalog.
type HealthChecker struct {
	mu       sync.Mutex
	config   HealthConfig
	catalog  *Catalog
	dial     DialFunc
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	health   map[string]*serverHealth
	logger   zerolog.Logger
}

// NewHealthChecker creates a health checker for c.
func NewHealthChecker(c *Catalog, config HealthConfig) *HealthChecker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = common.DefaultHealthFailureThreshold
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = common.DefaultHealthDialTimeout
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = common.DefaultHealthCheckInterval
	}
	var d net.Dialer
	return &HealthChecker{
		config:  config,
		catalog: c,
		dial:    d.DialContext,
		health:  make(map[string]*serverHealth),
		logger:  common.WithComponent("health"),
	}
}

// SetDialer replaces the probe dialer.
func (hc *HealthChecker) SetDialer(dial DialFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.dial = dial
}

// Start begins the health checking loop.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	hc.done = make(chan struct{})
	stop, done := hc.stopChan, hc.done
	hc.mu.Unlock()

	hc.logger.Info().Dur("interval", hc.config.CheckInterval).Msg("health checker started")

	go hc.runLoop(ctx, stop, done)
}

// Stop stops the health checking loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	done := hc.done
	hc.mu.Unlock()

	<-done
	hc.logger.Info().Msg("health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.running
}

func (hc *HealthChecker) runLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	hc.CheckAll(ctx)

	ticker := time.NewTicker(hc.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			hc.CheckAll(ctx)
		}
	}
}

// CheckAll probes every server once, concurrently, and applies the results.
func (hc *HealthChecker) CheckAll(ctx context.Context) map[string]HealthResult {
	endpoints := hc.catalog.Endpoints()

	type probe struct {
		id      string
		latency time.Duration
		err     error
	}
	probes := make(chan probe, len(endpoints))
	var wg sync.WaitGroup
	for id, addr := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			latency, err := hc.testConnectivity(ctx, addr)
			probes <- probe{id: id, latency: latency, err: err}
		}()
	}
	wg.Wait()
	close(probes)

	results := make(map[string]HealthResult, len(endpoints))
	hc.mu.Lock()
	for p := range probes {
		results[p.id] = hc.record(p.id, p.latency, p.err)
	}
	for id := range hc.health {
		if _, ok := endpoints[id]; !ok {
			delete(hc.health, id)
		}
	}
	hc.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	hc.catalog.ApplyHealth(results)
	return results
}

// record folds one probe into the server's history. Caller holds hc.mu.
func (hc *HealthChecker) record(id string, latency time.Duration, err error) HealthResult {
	h, ok := hc.health[id]
	if !ok {
		h = &serverHealth{}
		hc.health[id] = h
	}
	h.lastCheck = time.Now()

	if err != nil {
		h.consecutiveFails++
		hc.logger.Debug().
			Err(err).
			Str("server", id).
			Int("fails", h.consecutiveFails).
			Int("threshold", hc.config.FailureThreshold).
			Msg("health probe failed")
		if h.consecutiveFails >= hc.config.FailureThreshold {
			return HealthResult{Status: StatusOffline}
		}
		return HealthResult{Status: StatusDegraded}
	}

	h.consecutiveFails = 0
	h.lastSuccess = h.lastCheck
	if hc.config.DegradedLatency > 0 && latency > hc.config.DegradedLatency {
		return HealthResult{Status: StatusDegraded, Latency: latency}
	}
	return HealthResult{Status: StatusOnline, Latency: latency}
}

// testConnectivity dials addr and returns the connect latency.
func (hc *HealthChecker) testConnectivity(ctx context.Context, addr string) (time.Duration, error) {
	hc.mu.Lock()
	dial := hc.dial
	hc.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, hc.config.DialTimeout)
	defer cancel()

	start := time.Now()
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return max(time.Since(start), time.Millisecond), nil
}
