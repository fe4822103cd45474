package api

import (
	"errors"
	"time"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/history"
	"github.com/yllada/veilvpn/vpn"
)

// Status is the wire form of a session snapshot.
type Status struct {
	SessionID         string                    `json:"session_id,omitempty"`
	State             common.SessionState       `json:"state"`
	Server            *catalog.ServerDescriptor `json:"server,omitempty"`
	Selected          *catalog.ServerDescriptor `json:"selected,omitempty"`
	CreatedAt         *time.Time                `json:"created_at,omitempty"`
	ConnectedAt       *time.Time                `json:"connected_at,omitempty"`
	EndedAt           *time.Time                `json:"ended_at,omitempty"`
	Elapsed           time.Duration             `json:"elapsed"`
	BytesSent         uint64                    `json:"bytes_sent"`
	BytesReceived     uint64                    `json:"bytes_received"`
	Attempt           int                       `json:"attempt,omitempty"`
	Error             string                    `json:"error,omitempty"`
	ErrorKind         string                    `json:"error_kind,omitempty"`
	TeardownTimedOut  bool                      `json:"teardown_timed_out,omitempty"`
	KillSwitchEngaged bool                      `json:"kill_switch_engaged"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// NewStatus converts a snapshot.
func NewStatus(snap vpn.Snapshot, selected *catalog.ServerDescriptor, killSwitch bool, now time.Time) Status {
	st := Status{
		SessionID:         snap.SessionID,
		State:             snap.State,
		Selected:          selected,
		CreatedAt:         timePtr(snap.CreatedAt),
		ConnectedAt:       timePtr(snap.StartedAt),
		EndedAt:           timePtr(snap.EndedAt),
		Elapsed:           snap.Elapsed(now),
		BytesSent:         snap.BytesSent,
		BytesReceived:     snap.BytesReceived,
		Attempt:           snap.Attempt,
		TeardownTimedOut:  snap.TeardownTimedOut,
		KillSwitchEngaged: killSwitch,
	}
	if snap.SessionID != "" {
		server := snap.Server.Clone()
		st.Server = &server
	}
	if snap.LastError != nil {
		st.Error = snap.LastError.Error()
		st.ErrorKind = snap.ErrorKind().String()
	}
	return st
}

// ServerList is the response of the servers endpoint.
type ServerList struct {
	Servers   []catalog.ServerDescriptor `json:"servers"`
	Total     int                        `json:"total"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// HistoryList is the response of the history endpoint.
type HistoryList struct {
	Sessions []history.Record `json:"sessions"`
	Summary  history.Summary  `json:"summary"`
}

// SelectRequest selects the server for the next connect.
type SelectRequest struct {
	ServerID string `json:"server_id"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidState   = "invalid_state"
	CodeInvalidServer  = "invalid_server"
	CodeServerLocked   = "server_locked"
	CodeNoSelection    = "no_server_selected"
	CodeNotFound       = "not_found"
	CodeBadRequest     = "bad_request"
	CodeTimeout        = "timeout"
	CodeUnavailable    = "unavailable"
	CodeRateLimited    = "rate_limit_exceeded"
	CodeInternal       = "internal"
	CodeTeardownFailed = "teardown_timeout"
)

// codeErrors maps codes back to sentinels on the client side.
var codeErrors = map[string]error{
	CodeInvalidState:   common.ErrInvalidState,
	CodeInvalidServer:  common.ErrInvalidServer,
	CodeServerLocked:   common.ErrServerLocked,
	CodeNoSelection:    common.ErrNoServerSelected,
	CodeNotFound:       common.ErrServerNotFound,
	CodeTeardownFailed: common.ErrTeardownTimeout,
}

// APIError is returned by the client for non-2xx replies. It unwraps to
// the matching common sentinel, so errors.Is works across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

var errNotConfigured = errors.New("disabled")
