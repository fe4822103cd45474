package vpn

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/veilvpn/common"
)

// tunnelMonitor watches one connected session: it converts the driver's
// cumulative byte counters into deltas and forwards link loss reports.
type tunnelMonitor struct {
	sessionID string
	driver    common.TunnelDriver
	machine   *Machine
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	lastSent uint64
	lastRecv uint64
}

func startTunnelMonitor(m *Machine, t Transition, interval time.Duration) *tunnelMonitor {
	if interval <= 0 {
		interval = common.DefaultTrafficPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	tm := &tunnelMonitor{
		sessionID: t.Snapshot.SessionID,
		driver:    t.driver,
		machine:   m,
		interval:  interval,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go tm.run(ctx)
	return tm
}

func (tm *tunnelMonitor) run(ctx context.Context) {
	defer close(tm.done)

	var linkDown <-chan error
	if ln, ok := tm.driver.(common.LinkNotifier); ok {
		linkDown = ln.LinkDown()
	}

	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.poll()
		case err, ok := <-linkDown:
			if !ok {
				linkDown = nil
				continue
			}
			tm.poll()
			tm.machine.LinkLost(tm.sessionID, err)
			return
		}
	}
}

// poll records the traffic since the previous poll. A counter that went
// backwards is treated as a driver reset and re-baselined.
func (tm *tunnelMonitor) poll() {
	sent, recv := tm.driver.PollTraffic()

	tm.mu.Lock()
	ds, dr := counterDelta(tm.lastSent, sent), counterDelta(tm.lastRecv, recv)
	tm.lastSent, tm.lastRecv = sent, recv
	tm.mu.Unlock()

	if err := tm.machine.recordTraffic(tm.sessionID, ds, dr); err != nil {
		tm.machine.logger.Debug().Err(err).Str("session_id", tm.sessionID).Msg("traffic sample dropped")
	}
}

func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// stop ends the monitor and waits for it. With flush set, one final
// sample is taken after the loop exits.
func (tm *tunnelMonitor) stop(flush bool) {
	tm.cancel()
	<-tm.done
	if flush {
		tm.poll()
	}
}
