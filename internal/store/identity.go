package store

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// Identity is the persisted node identity.
type Identity struct {
	NodeID uint32
	SeqHWM uint32 // highest sequence number ever assigned
}

// LoadOrCreateIdentity returns the stored identity, deriving and
// persisting one from hardwareID on first boot. The derivation is stable
// so a wiped database on the same board yields the same node id.
func (db *DB) LoadOrCreateIdentity(hardwareID string) (Identity, error) {
	var id Identity
	err := db.QueryRow(`SELECT node_id, seq_hwm FROM identity WHERE id = 1`).
		Scan(&id.NodeID, &id.SeqHWM)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Identity{}, fmt.Errorf("store: load identity: %w", err)
	}

	id.NodeID = DeriveNodeID(hardwareID)
	_, err = db.Exec(
		`INSERT INTO identity (id, node_id, seq_hwm, created_at) VALUES (1, ?, 0, ?)`,
		id.NodeID, time.Now().Unix(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("store: create identity: %w", err)
	}
	return id, nil
}

// SaveSeqHWM persists the sequence high-water mark. Called periodically,
// not per message; the in-memory counter leads the stored one and is
// bumped past it on boot.
func (db *DB) SaveSeqHWM(seq uint32) error {
	_, err := db.Exec(`UPDATE identity SET seq_hwm = ? WHERE id = 1 AND seq_hwm < ?`, seq, seq)
	if err != nil {
		return fmt.Errorf("store: save seq hwm: %w", err)
	}
	return nil
}

// DeriveNodeID hashes a stable hardware identifier into a 32-bit node
// id. Zero and the broadcast value are remapped since both are reserved.
func DeriveNodeID(hardwareID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(hardwareID))
	n := h.Sum32()
	if n == 0 || n == 0xFFFFFFFF {
		n = 0x00000001
	}
	return n
}
