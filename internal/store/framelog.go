package store

import (
	"fmt"
	"time"
)

// frameLogKeep bounds the diagnostics log on long-running nodes.
const frameLogKeep = 1000

// FrameRecord is one received-frame diagnostics row.
type FrameRecord struct {
	ID         int64     `json:"id"`
	Sender     uint32    `json:"sender"`
	MsgType    uint8     `json:"msg_type"`
	Sequence   uint32    `json:"sequence"`
	HopCount   uint8     `json:"hop_count"`
	ReceivedAt time.Time `json:"received_at"`
}

// LogFrame records a received frame and trims the log to its bound.
func (db *DB) LogFrame(rec *FrameRecord) error {
	_, err := db.Exec(
		`INSERT INTO frame_log (sender, msg_type, sequence, hop_count, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Sender, rec.MsgType, rec.Sequence, rec.HopCount,
		rec.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: log frame: %w", err)
	}
	_, err = db.Exec(
		`DELETE FROM frame_log WHERE id NOT IN
		 (SELECT id FROM frame_log ORDER BY received_at DESC LIMIT ?)`, frameLogKeep)
	if err != nil {
		return fmt.Errorf("store: trim frame log: %w", err)
	}
	return nil
}

// RecentFrames returns the n most recently received frames.
func (db *DB) RecentFrames(n int) ([]*FrameRecord, error) {
	rows, err := db.Query(
		`SELECT id, sender, msg_type, sequence, hop_count, received_at
		 FROM frame_log ORDER BY received_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent frames: %w", err)
	}
	defer rows.Close()

	var out []*FrameRecord
	for rows.Next() {
		var (
			rec FrameRecord
			ms  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.MsgType, &rec.Sequence, &rec.HopCount, &ms); err != nil {
			return nil, err
		}
		rec.ReceivedAt = time.UnixMilli(ms).UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}
