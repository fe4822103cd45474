package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"driver error passthrough", NewDriverError(KindAuthFailed, errors.New("bad password")), KindAuthFailed},
		{"wrapped driver error", fmt.Errorf("attempt 2: %w", NewDriverError(KindProtocolError, nil)), KindProtocolError},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, KindNetworkUnreachable},
		{"unreachable", fmt.Errorf("dial: %w", syscall.ENETUNREACH), KindNetworkUnreachable},
		{"dns", &net.DNSError{Err: "no such host", Name: "vpn.example"}, KindNetworkUnreachable},
		{"plain", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindNetworkUnreachable.Retryable())
	assert.False(t, KindAuthFailed.Retryable())
	assert.False(t, KindProtocolError.Retryable())
	assert.False(t, KindUnknown.Retryable())
}

func TestAsDriverError(t *testing.T) {
	assert.Nil(t, AsDriverError(nil))

	de := AsDriverError(context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, de.Kind)
	assert.ErrorIs(t, de, context.DeadlineExceeded)
	assert.Contains(t, de.Error(), "timeout")
}

func TestWrapError(t *testing.T) {
	wrapped := WrapError(ErrInvalidState, "additional context")

	assert.ErrorIs(t, wrapped, ErrInvalidState)
	assert.Contains(t, wrapped.Error(), "additional context")
	assert.Nil(t, WrapError(nil, "context"))
}

func TestSessionState(t *testing.T) {
	tests := []struct {
		state    SessionState
		name     string
		terminal bool
		active   bool
	}{
		{StateIdle, "Idle", false, false},
		{StateConnecting, "Connecting", false, true},
		{StateConnected, "Connected", false, true},
		{StateDisconnecting, "Disconnecting", false, true},
		{StateDisconnected, "Disconnected", true, false},
		{StateFailed, "Failed", true, false},
		{SessionState(42), "Unknown", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
			assert.Equal(t, tt.active, tt.state.Active())
		})
	}

	var s SessionState
	assert.NoError(t, s.UnmarshalText([]byte("Failed")))
	assert.Equal(t, StateFailed, s)

	err := s.UnmarshalText([]byte("Rebooting"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Rebooting")
	assert.Equal(t, StateFailed, s, "rejected input must leave the state untouched")

	var ev struct {
		To SessionState `json:"to"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"to":"Unknown"}`), &ev))
}
