// Package eventstore provides SQLite-backed, bounded per-session event
// history for history replay (spec §4.2 "History replay"). Rows outlive
// an abrupt worker exit, but a session's rows are deleted when the
// session is destroyed, and a graceful worker shutdown destroys every
// session (sessionmanager.DestroyAll). This supplements spec.md, which
// leaves the buffer's durability unspecified (see SPEC_FULL.md §11).
package eventstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MaxEventsPerSession bounds the durable history buffer per session; the
// oldest rows are pruned once this is exceeded (spec §3 "bounded history
// buffer of emitted events").
const MaxEventsPerSession = 500

// Event is one row of a session's durable event history.
type Event struct {
	SessionID string `json:"sessionId"`
	SeqNum    int64  `json:"seqNum"`
	Event     string `json:"event"`
	Data      string `json:"data"` // JSON-encoded payload
	Timestamp string `json:"timestamp"`
}

// Store is a bounded, append-only event log backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a SQLite database at dbPath, applying the same
// WAL + busy_timeout tuning the teacher uses for its tab store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		slog.Info("applying eventstore migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL,
			seq_num INTEGER NOT NULL,
			event TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			PRIMARY KEY (session_id, seq_num)
		);
		CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
	`)
	return err
}

// Append records ev and prunes the oldest rows for the session beyond
// MaxEventsPerSession, keeping the buffer bounded (spec §3).
func (s *Store) Append(sessionID string, seqNum int64, event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO session_events (session_id, seq_num, event, data, timestamp) VALUES (?, ?, ?, ?, ?)",
		sessionID, seqNum, event, data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM session_events
		WHERE session_id = ? AND seq_num NOT IN (
			SELECT seq_num FROM session_events WHERE session_id = ? ORDER BY seq_num DESC LIMIT ?
		)
	`, sessionID, sessionID, MaxEventsPerSession)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// Since returns every event for sessionID with seq_num greater than
// afterSeq, oldest first — used for history replay from the most recent
// response marker (spec §4.2).
func (s *Store) Since(sessionID string, afterSeq int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT session_id, seq_num, event, data, timestamp FROM session_events WHERE session_id = ? AND seq_num > ? ORDER BY seq_num ASC",
		sessionID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.SessionID, &e.SeqNum, &e.Event, &e.Data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteSession removes all durable history for a destroyed session.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM session_events WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	return nil
}

// SessionIDs returns the distinct session ids with durable history,
// regardless of whether the session is still live (used by
// sessionmanager.DiscoverPersisted for post-restart discovery).
func (s *Store) SessionIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT DISTINCT session_id FROM session_events")
	if err != nil {
		return nil, fmt.Errorf("query session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LastSeq returns the highest seq_num stored for sessionID, or 0 if none.
func (s *Store) LastSeq(sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(seq_num) FROM session_events WHERE session_id = ?", sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
