package store

import (
	"database/sql"
	"time"
)

// UpsertSession mirrors a session's runtime state into the store.
func (db *DB) UpsertSession(s *Session) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (session_id, status, reconnect_attempts, last_synced_at, self_jid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			reconnect_attempts = excluded.reconnect_attempts,
			last_synced_at = CASE WHEN excluded.last_synced_at > 0 THEN excluded.last_synced_at ELSE sessions.last_synced_at END,
			self_jid = CASE WHEN excluded.self_jid != '' THEN excluded.self_jid ELSE sessions.self_jid END,
			updated_at = excluded.updated_at`,
		s.SessionID, s.Status, s.ReconnectAttempts, s.LastSyncedAt, s.SelfJID, now)
	return err
}

// GetSession returns a session row, or nil if unknown.
func (db *DB) GetSession(sessionID string) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT session_id, status, reconnect_attempts, last_synced_at, self_jid
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&s.SessionID, &s.Status, &s.ReconnectAttempts, &s.LastSyncedAt, &s.SelfJID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all known session rows.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT session_id, status, reconnect_attempts, last_synced_at, self_jid
		FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.SessionID, &s.Status, &s.ReconnectAttempts, &s.LastSyncedAt, &s.SelfJID); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
