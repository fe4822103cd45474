// Package history persists finished VPN sessions in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/vpn"
)

const schemaVersion = 1

const busyTimeout = 5 * time.Second

// ErrNotFound is returned by Get for unknown sessions.
var ErrNotFound = errors.New("session not found")

// Record is one finished session.
type Record struct {
	SessionID        string        `json:"session_id"`
	ServerID         string        `json:"server_id"`
	ServerName       string        `json:"server_name"`
	Protocol         string        `json:"protocol"`
	State            string        `json:"state"`
	CreatedAt        time.Time     `json:"created_at"`
	ConnectedAt      *time.Time    `json:"connected_at,omitempty"`
	EndedAt          time.Time     `json:"ended_at"`
	BytesSent        uint64        `json:"bytes_sent"`
	BytesReceived    uint64        `json:"bytes_received"`
	Attempts         int           `json:"attempts"`
	Error            string        `json:"error,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	TeardownTimedOut bool          `json:"teardown_timed_out,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Summary aggregates the whole history.
type Summary struct {
	Sessions      int           `json:"sessions"`
	Failed        int           `json:"failed"`
	BytesSent     uint64        `json:"bytes_sent"`
	BytesReceived uint64        `json:"bytes_received"`
	Connected     time.Duration `json:"connected"`
}

// Store implements vpn.SessionRecorder on SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping failed: %w", err)
	}

	s := &Store{db: db, logger: common.WithComponent("history")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		server_name TEXT NOT NULL,
		protocol TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		connected_at_ms INTEGER,
		ended_at_ms INTEGER NOT NULL,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 1,
		error TEXT,
		error_kind TEXT,
		teardown_timed_out BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at_ms);
	CREATE INDEX IF NOT EXISTS idx_sessions_server ON sessions(server_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordSession stores a terminal session. Recording the same session
// twice keeps the latest view.
func (s *Store) RecordSession(ctx context.Context, snap vpn.Snapshot) error {
	if !snap.State.Terminal() {
		return fmt.Errorf("%w: session %s is %s", common.ErrInvalidState, snap.SessionID, snap.State)
	}

	var connectedAt sql.NullInt64
	if !snap.StartedAt.IsZero() {
		connectedAt = sql.NullInt64{Int64: snap.StartedAt.UnixMilli(), Valid: true}
	}
	var errMsg, errKind sql.NullString
	if snap.LastError != nil {
		errMsg = sql.NullString{String: snap.LastError.Error(), Valid: true}
		errKind = sql.NullString{String: snap.ErrorKind().String(), Valid: true}
	}
	endedAt := snap.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	query := `
	INSERT INTO sessions (session_id, server_id, server_name, protocol, state, created_at_ms,
		connected_at_ms, ended_at_ms, bytes_sent, bytes_received, attempts, error, error_kind, teardown_timed_out)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		state = excluded.state,
		connected_at_ms = excluded.connected_at_ms,
		ended_at_ms = excluded.ended_at_ms,
		bytes_sent = excluded.bytes_sent,
		bytes_received = excluded.bytes_received,
		attempts = excluded.attempts,
		error = excluded.error,
		error_kind = excluded.error_kind,
		teardown_timed_out = excluded.teardown_timed_out
	`
	_, err := s.db.ExecContext(ctx, query,
		snap.SessionID, snap.Server.ID, snap.Server.DisplayName(), string(snap.Server.Protocol), snap.State.String(),
		snap.CreatedAt.UnixMilli(), connectedAt, endedAt.UnixMilli(),
		int64(snap.BytesSent), int64(snap.BytesReceived), snap.Attempt, errMsg, errKind, snap.TeardownTimedOut,
	)
	if err != nil {
		return fmt.Errorf("history: record %s: %w", snap.SessionID, err)
	}
	s.logger.Debug().Str("session_id", snap.SessionID).Stringer("state", snap.State).Msg("session recorded")
	return nil
}

const selectColumns = `
	SELECT session_id, server_id, server_name, protocol, state, created_at_ms, connected_at_ms,
		ended_at_ms, bytes_sent, bytes_received, attempts, error, error_kind, teardown_timed_out
	FROM sessions`

// List returns the most recent sessions first. A limit below 1 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit < 1 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY ended_at_ms DESC, session_id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one session.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE session_id = ?", sessionID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("history: %w: %s", ErrNotFound, sessionID)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                  Record
		createdMs, endedMs int64
		connectedMs        sql.NullInt64
		sent, received     int64
		errMsg, errKind    sql.NullString
	)
	err := sc.Scan(&r.SessionID, &r.ServerID, &r.ServerName, &r.Protocol, &r.State,
		&createdMs, &connectedMs, &endedMs, &sent, &received, &r.Attempts,
		&errMsg, &errKind, &r.TeardownTimedOut)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("history: scan: %w", err)
	}

	r.CreatedAt = time.UnixMilli(createdMs)
	r.EndedAt = time.UnixMilli(endedMs)
	if connectedMs.Valid {
		t := time.UnixMilli(connectedMs.Int64)
		r.ConnectedAt = &t
		r.Duration = r.EndedAt.Sub(t)
	}
	r.BytesSent, r.BytesReceived = uint64(sent), uint64(received)
	r.Error, r.ErrorKind = errMsg.String, errKind.String
	return r, nil
}

// Summary aggregates all recorded sessions.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var (
		sum            Summary
		sent, received int64
		connectedMs    int64
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(bytes_sent), 0),
		COALESCE(SUM(bytes_received), 0),
		COALESCE(SUM(CASE WHEN connected_at_ms IS NOT NULL THEN ended_at_ms - connected_at_ms ELSE 0 END), 0)
	FROM sessions`, common.StateFailed.String()).Scan(&sum.Sessions, &sum.Failed, &sent, &received, &connectedMs)
	if err != nil {
		return Summary{}, fmt.Errorf("history: summary: %w", err)
	}
	sum.BytesSent, sum.BytesReceived = uint64(sent), uint64(received)
	sum.Connected = time.Duration(connectedMs) * time.Millisecond
	return sum, nil
}

// Prune deletes sessions that ended before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE ended_at_ms < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
