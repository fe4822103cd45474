package vpn

import (
	"context"
	"time"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
)

// Snapshot is an immutable view of a session handle. It is what every
// reader outside the machine sees.
type Snapshot struct {
	SessionID     string
	Server        catalog.ServerDescriptor
	State         common.SessionState
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
	BytesSent     uint64
	BytesReceived uint64
	Attempt       int
	// LastError is the error that made the session terminal, if any.
	LastError error
	// TeardownTimedOut is set when the driver did not confirm teardown in time.
	TeardownTimedOut bool
	// DriverLeaked is set when the driver was abandoned without a confirmed release.
	DriverLeaked bool
}

// Elapsed returns the connected time: StartedAt to now while connected,
// StartedAt to EndedAt once the session ended.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := now
	if !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// ErrorKind classifies LastError.
func (s Snapshot) ErrorKind() common.ErrorKind {
	if s.LastError == nil {
		return common.KindUnknown
	}
	return common.Classify(s.LastError)
}

// session is the mutable handle owned by the machine. Every field is
// guarded by Machine.mu.
type session struct {
	id        string
	server    catalog.ServerDescriptor
	driverCfg common.DriverConfig
	driver    common.TunnelDriver

	state     common.SessionState
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	sent      uint64
	received  uint64
	attempt   int
	lastErr   error

	teardownTimedOut bool
	driverLeaked     bool

	// retryReason is the failure that scheduled the pending re-entry.
	retryReason string
	// cancelling is set once Cancel owns the connecting session.
	cancelling bool
	// closing is set once End or LinkLost owns the connected session.
	closing bool

	cancel     context.CancelFunc
	workerDone chan struct{}
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		SessionID:        s.id,
		Server:           s.server.Clone(),
		State:            s.state,
		CreatedAt:        s.createdAt,
		StartedAt:        s.startedAt,
		EndedAt:          s.endedAt,
		BytesSent:        s.sent,
		BytesReceived:    s.received,
		Attempt:          s.attempt,
		LastError:        s.lastErr,
		TeardownTimedOut: s.teardownTimedOut,
		DriverLeaked:     s.driverLeaked,
	}
}
