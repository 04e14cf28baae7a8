// Package queue is the bounded, crash-durable store of outbound reports
// awaiting transport. Entries are drained strictly oldest-first; a full
// queue fails loudly rather than evicting.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/report"
	"github.com/fieldbeacon/fieldbeacon/internal/store"
)

// ErrQueueFull is returned by Store when the queue is at capacity. The
// caller must surface this as a failed delivery, never drop silently.
var ErrQueueFull = errors.New("queue: full")

// Queue persists pending reports in SQLite, drained in insertion order.
// The mesh sequence is an attribute, not a key: reports that never made
// it over the mesh all carry sequence 0 and still occupy one row each.
type Queue struct {
	db       *store.DB
	capacity int
	log      *zap.Logger
}

// New creates a Queue over an opened, migrated store.
func New(db *store.DB, capacity int, log *zap.Logger) *Queue {
	return &Queue{db: db, capacity: capacity, log: log}
}

// Store persists one report. Fails with ErrQueueFull at capacity.
func (q *Queue) Store(inc *report.Incident) error {
	n, err := q.PendingCount()
	if err != nil {
		return err
	}
	if n >= q.capacity {
		return ErrQueueFull
	}

	_, err = q.db.Exec(
		`INSERT INTO queue_entries
		 (seq, latitude, longitude, altitude, priority, category, description, device_id, reported_at, queued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.Sequence, inc.Latitude, inc.Longitude, inc.Altitude,
		int(inc.Priority), inc.Category, inc.Description, inc.DeviceID,
		inc.ReportedAt.Unix(), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("queue: store seq %d: %w", inc.Sequence, err)
	}
	q.log.Debug("queue: stored report",
		zap.Uint32("seq", inc.Sequence),
		zap.String("priority", inc.Priority.String()),
	)
	return nil
}

// MarkSent deletes the oldest delivered entry carrying seq. Sequences
// are not unique (unsent reports share 0), so exactly one row goes.
func (q *Queue) MarkSent(seq uint32) error {
	res, err := q.db.Exec(
		`DELETE FROM queue_entries
		 WHERE id = (SELECT id FROM queue_entries WHERE seq = ? ORDER BY id LIMIT 1)`, seq)
	if err != nil {
		return fmt.Errorf("queue: mark sent seq %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: seq %d not pending", seq)
	}
	return nil
}

// PendingCount returns how many reports are waiting.
func (q *Queue) PendingCount() (int, error) {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return n, nil
}

// NextPending returns the oldest waiting report, or ok=false when empty.
// The entry stays queued until MarkSent.
func (q *Queue) NextPending() (*report.Incident, bool, error) {
	row := q.db.QueryRow(
		`SELECT seq, latitude, longitude, altitude, priority, category, description, device_id, reported_at
		 FROM queue_entries ORDER BY id ASC LIMIT 1`)

	var (
		inc        report.Incident
		prio       int
		reportedAt int64
	)
	err := row.Scan(&inc.Sequence, &inc.Latitude, &inc.Longitude, &inc.Altitude,
		&prio, &inc.Category, &inc.Description, &inc.DeviceID, &reportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue: next pending: %w", err)
	}
	inc.Priority = report.Priority(prio)
	inc.ReportedAt = time.Unix(reportedAt, 0).UTC()
	return &inc, true, nil
}

// Pending lists up to limit waiting reports, oldest first. Used by the
// diagnostics API; entries are not consumed.
func (q *Queue) Pending(limit int) ([]*report.Incident, error) {
	rows, err := q.db.Query(
		`SELECT seq, latitude, longitude, altitude, priority, category, description, device_id, reported_at
		 FROM queue_entries ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	defer rows.Close()

	var out []*report.Incident
	for rows.Next() {
		var (
			inc        report.Incident
			prio       int
			reportedAt int64
		)
		if err := rows.Scan(&inc.Sequence, &inc.Latitude, &inc.Longitude, &inc.Altitude,
			&prio, &inc.Category, &inc.Description, &inc.DeviceID, &reportedAt); err != nil {
			return nil, fmt.Errorf("queue: scan pending: %w", err)
		}
		inc.Priority = report.Priority(prio)
		inc.ReportedAt = time.Unix(reportedAt, 0).UTC()
		out = append(out, &inc)
	}
	return out, rows.Err()
}

// ClearAll wipes the queue. Operator action only.
func (q *Queue) ClearAll() error {
	if _, err := q.db.Exec(`DELETE FROM queue_entries`); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	q.log.Info("queue: cleared")
	return nil
}
