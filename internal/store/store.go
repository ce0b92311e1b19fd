// Package store is the explicit session registry: a SQLite-backed map from
// session id to session state, passed by reference into request handling.
// Rows do not make sessions survive a daemon restart; boot reconciliation
// marks rows whose containers are gone as crashed.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates an unknown session id.
var ErrNotFound = errors.New("not found")

// Session lifecycle states.
const (
	StatusOpening   = "opening"
	StatusReady     = "ready"
	StatusExecuting = "executing"
	StatusClosing   = "closing"
	StatusClosed    = "closed"
	StatusFailed    = "failed"
	StatusCrashed   = "crashed"
)

type Session struct {
	ID           string    `json:"id"`
	Image        string    `json:"image"`
	ContainerID  string    `json:"container_id"`
	HelperID     string    `json:"helper_id,omitempty"`
	Volume       string    `json:"volume,omitempty"`
	Status       string    `json:"status"`
	ExtractPatch bool      `json:"extract_patch"`
	Ephemeral    bool      `json:"ephemeral"`
	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Closed reports whether the session reached a terminal state.
func (s *Session) Closed() bool {
	switch s.Status {
	case StatusClosed, StatusFailed, StatusCrashed:
		return true
	}
	return false
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	image         TEXT NOT NULL,
	container_id  TEXT NOT NULL DEFAULT '',
	helper_id     TEXT NOT NULL DEFAULT '',
	volume        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'opening',
	extract_patch INTEGER NOT NULL DEFAULT 0,
	ephemeral     INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL,
	deadline      DATETIME NOT NULL,
	expires_at    DATETIME NOT NULL,
	last_activity DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
`

const selectColumns = `id, image, container_id, helper_id, volume, status,
	extract_patch, ephemeral, created_at, deadline, expires_at, last_activity`

// isBusyLock reports whether err indicates SQLITE_BUSY. Handles wrapped
// errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// dsnWithPragmas applies WAL and perf pragmas to every new connection; the
// driver applies DSN pragmas per connection, which matters for parallel
// session creation.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// DefaultMaxOpenConns allows concurrent reads while SQLite serializes the
// single writer.
const DefaultMaxOpenConns = 4

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(sess *Session) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (id, image, container_id, helper_id, volume, status,
				extract_patch, ephemeral, created_at, deadline, expires_at, last_activity)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Image, sess.ContainerID, sess.HelperID, sess.Volume, sess.Status,
			sess.ExtractPatch, sess.Ephemeral,
			sess.CreatedAt.UTC(), sess.Deadline.UTC(), sess.ExpiresAt.UTC(), sess.LastActivity.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListActiveSessions returns sessions in a non-terminal state.
func (s *Store) ListActiveSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+selectColumns+` FROM sessions WHERE status IN (?, ?, ?)`,
		StatusOpening, StatusReady, StatusExecuting,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListExpiredSessions returns active sessions past their idle expiry.
func (s *Store) ListExpiredSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+selectColumns+` FROM sessions
		 WHERE status IN (?, ?) AND expires_at <= ?`,
		StatusReady, StatusExecuting, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) UpdateSessionStatus(id string, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, last_activity = ? WHERE id = ?`,
			status, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(result, id)
}

// TransitionStatus flips status only when the current value matches from,
// returning false when another caller won the race.
func (s *Store) TransitionStatus(id string, from, to string) (bool, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, last_activity = ? WHERE id = ? AND status = ?`,
			to, time.Now().UTC(), id, from,
		)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("transitioning session status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) TouchSession(id string, expiresAt time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET last_activity = ?, expires_at = ? WHERE id = ?`,
			time.Now().UTC(), expiresAt.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) DeleteSession(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(result, id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.Image, &sess.ContainerID, &sess.HelperID, &sess.Volume, &sess.Status,
		&sess.ExtractPatch, &sess.Ephemeral,
		&sess.CreatedAt, &sess.Deadline, &sess.ExpiresAt, &sess.LastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
