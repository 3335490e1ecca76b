package store

import (
	"database/sql"
	"time"
)

// Keys used in the sync_state table.
const (
	CheckpointHistoryComplete = "history_complete"
)

// SetCheckpoint updates a per-session sync checkpoint value.
func (db *DB) SetCheckpoint(sessionID, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (session_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		sessionID, key, value, now)
	return err
}

// GetCheckpoint retrieves a per-session sync checkpoint value. Returns ""
// when the checkpoint has never been set.
func (db *DB) GetCheckpoint(sessionID, key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE session_id = ? AND key = ?`, sessionID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
