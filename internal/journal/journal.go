// Package journal records session lifecycle events in SQLite.
//
// Only metadata is stored (which tab was created, orphaned, reaped and so
// on); terminal output never reaches the database. The journal is an audit
// trail and is not used to restore sessions after a restart.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultLimit caps result sets when the caller does not ask for a size.
const DefaultLimit = 100

// maxLimit bounds any single query.
const maxLimit = 1000

// Event is one recorded lifecycle transition.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal is an append-only event log backed by SQLite.
type Journal struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// Open creates or opens the journal database at dbPath.
func Open(dbPath string) (*Journal, error) {
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

	j := &Journal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	if _, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying journal migration", "version", i+1)
		if err := migrations[i](j.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := j.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the events table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
	`)
	return err
}

// migrateV2 indexes created_at for retention pruning.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at)`)
	return err
}

// RecordEvent appends one lifecycle event.
func (j *Journal) RecordEvent(sessionID, event, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		"INSERT INTO session_events (session_id, event, detail, created_at) VALUES (?, ?, ?, ?)",
		sessionID, event, detail, j.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events for one session, oldest first.
func (j *Journal) ListEvents(sessionID string, limit int) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.query(
		`SELECT id, session_id, event, detail, created_at FROM (
			SELECT * FROM session_events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionID, clampLimit(limit),
	)
}

// Recent returns the latest events across all sessions, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.query(
		"SELECT id, session_id, event, detail, created_at FROM session_events ORDER BY id DESC LIMIT ?",
		clampLimit(limit),
	)
}

// Prune deletes events recorded before cutoff and returns how many went.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.Exec("DELETE FROM session_events WHERE created_at < ?", cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

// Count returns the number of stored events.
func (j *Journal) Count() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var count int
	if err := j.db.QueryRow("SELECT COUNT(*) FROM session_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (j *Journal) query(q string, args ...any) ([]Event, error) {
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e  Event
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Event, &e.Detail, &ms); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
