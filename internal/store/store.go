// Package store manages the SQLite database (WAL mode) for the device:
// persistent node identity, the offline report queue, and a bounded log
// of received frames for diagnostics.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the embedded DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlIdentity,
		ddlQueueEntries,
		ddlFrameLog,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

// identity is a single-row table: the node id derived from hardware
// identity at first boot, plus the sequence high-water mark persisted so
// that sequence-based dedup stays meaningful across restarts.
const ddlIdentity = `
CREATE TABLE IF NOT EXISTS identity (
    id        INTEGER PRIMARY KEY CHECK (id = 1),
    node_id   INTEGER NOT NULL,
    seq_hwm   INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL          -- Unix seconds
);
`

// queue_entries rows are keyed by insertion order, not mesh sequence:
// a report that never made it onto the mesh still has seq 0, and two of
// those must remain two rows.
const ddlQueueEntries = `
CREATE TABLE IF NOT EXISTS queue_entries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    seq         INTEGER NOT NULL DEFAULT 0,  -- mesh sequence, 0 when unsent
    latitude    REAL    NOT NULL,
    longitude   REAL    NOT NULL,
    altitude    REAL    NOT NULL DEFAULT 0,
    priority    INTEGER NOT NULL,
    category    TEXT    NOT NULL DEFAULT '',
    description TEXT    NOT NULL DEFAULT '',
    device_id   INTEGER NOT NULL,
    reported_at INTEGER NOT NULL,        -- Unix seconds
    queued_at   INTEGER NOT NULL         -- Unix nanoseconds, diagnostics
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_seq ON queue_entries (seq);
`

const ddlFrameLog = `
CREATE TABLE IF NOT EXISTS frame_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    sender      INTEGER NOT NULL,
    msg_type    INTEGER NOT NULL,
    sequence    INTEGER NOT NULL,
    hop_count   INTEGER NOT NULL DEFAULT 0,
    received_at INTEGER NOT NULL          -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_frame_log_received_at ON frame_log (received_at DESC);
`
