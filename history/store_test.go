package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/vpn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func snapshot(id string, state common.SessionState, offset time.Duration) vpn.Snapshot {
	return vpn.Snapshot{
		SessionID: id,
		Server: catalog.ServerDescriptor{
			ID:       "de-fra",
			Country:  "Germany",
			City:     "Frankfurt",
			Protocol: catalog.ProtocolWireGuard,
		},
		State:         state,
		CreatedAt:     base.Add(offset),
		StartedAt:     base.Add(offset + 2*time.Second),
		EndedAt:       base.Add(offset + time.Hour),
		BytesSent:     1000,
		BytesReceived: 5000,
		Attempt:       1,
	}
}

func TestStore_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSession(ctx, snapshot("a", common.StateDisconnected, 0)))

	failed := snapshot("b", common.StateFailed, 2*time.Hour)
	failed.StartedAt = time.Time{}
	failed.BytesSent, failed.BytesReceived = 0, 0
	failed.Attempt = 3
	failed.LastError = common.NewDriverError(common.KindAuthFailed, errors.New("AUTH_FAILED"))
	require.NoError(t, s.RecordSession(ctx, failed))

	recs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Most recent first.
	assert.Equal(t, "b", recs[0].SessionID)
	assert.Equal(t, "Failed", recs[0].State)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, "auth_failed", recs[0].ErrorKind)
	assert.Contains(t, recs[0].Error, "AUTH_FAILED")
	assert.Nil(t, recs[0].ConnectedAt)
	assert.Zero(t, recs[0].Duration)

	a := recs[1]
	assert.Equal(t, "Frankfurt, Germany", a.ServerName)
	assert.Equal(t, "wireguard", a.Protocol)
	assert.Equal(t, uint64(1000), a.BytesSent)
	assert.Equal(t, uint64(5000), a.BytesReceived)
	require.NotNil(t, a.ConnectedAt)
	assert.True(t, a.ConnectedAt.Equal(base.Add(2*time.Second)))
	assert.Equal(t, time.Hour-2*time.Second, a.Duration)

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_RecordIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap := snapshot("a", common.StateDisconnected, 0)
	require.NoError(t, s.RecordSession(ctx, snap))
	snap.BytesSent = 9999
	require.NoError(t, s.RecordSession(ctx, snap))

	rec, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(9999), rec.BytesSent)

	recs, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_RejectsActiveSessions(t *testing.T) {
	s := openTestStore(t)
	err := s.RecordSession(context.Background(), snapshot("a", common.StateConnected, 0))
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func TestStore_Get(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SummaryAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSession(ctx, snapshot("a", common.StateDisconnected, 0)))
	require.NoError(t, s.RecordSession(ctx, snapshot("b", common.StateDisconnected, 24*time.Hour)))
	f := snapshot("c", common.StateFailed, 48*time.Hour)
	f.StartedAt = time.Time{}
	require.NoError(t, s.RecordSession(ctx, f))

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Sessions)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, uint64(3000), sum.BytesSent)
	assert.Equal(t, uint64(15000), sum.BytesReceived)
	assert.Equal(t, 2*(time.Hour-2*time.Second), sum.Connected)

	n, err := s.Prune(ctx, base.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sum, err = s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sessions)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordSession(context.Background(), snapshot("a", common.StateDisconnected, 0)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
