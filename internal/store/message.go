package store

import (
	"database/sql"
	"fmt"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (session_id, msg_id, party_jid, sender_jid, sender_label, from_me, msg_type, body, media_path, raw_payload, sent_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, msg_id) DO UPDATE SET
		sender_label = CASE WHEN excluded.sender_label != '' THEN excluded.sender_label ELSE messages.sender_label END,
		body = CASE WHEN excluded.body != '' THEN excluded.body ELSE messages.body END,
		media_path = CASE WHEN excluded.media_path != '' THEN excluded.media_path ELSE messages.media_path END,
		raw_payload = CASE WHEN length(COALESCE(excluded.raw_payload, '')) > 0 THEN excluded.raw_payload ELSE messages.raw_payload END,
		msg_type = CASE WHEN excluded.msg_type != '' THEN excluded.msg_type ELSE messages.msg_type END`

// UpsertMessage inserts or updates a message (idempotent on session_id +
// msg_id). Replays refine fields but never blank out populated ones.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(upsertMessageSQL,
		m.SessionID, m.MsgID, m.PartyJID, m.SenderJID, m.SenderLabel, m.FromMe,
		m.MsgType, m.Body, m.MediaPath, m.RawPayload, m.SentAt, now)
	return err
}

// BatchUpsertMessages upserts a chunk of messages in a single transaction.
// One bad row aborts only the transaction, never the caller: the write is
// idempotent, so replaying the chunk later is harmless.
func (db *DB) BatchUpsertMessages(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(upsertMessageSQL,
			m.SessionID, m.MsgID, m.PartyJID, m.SenderJID, m.SenderLabel, m.FromMe,
			m.MsgType, m.Body, m.MediaPath, m.RawPayload, m.SentAt, now); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.MsgID, err)
		}
	}
	return tx.Commit()
}

// GetMessage returns a message by key, or nil if unknown.
func (db *DB) GetMessage(sessionID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT session_id, msg_id, party_jid, sender_jid, sender_label, from_me, msg_type, body, media_path, raw_payload, sent_at
		FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, msgID).
		Scan(&m.SessionID, &m.MsgID, &m.PartyJID, &m.SenderJID, &m.SenderLabel, &m.FromMe,
			&m.MsgType, &m.Body, &m.MediaPath, &m.RawPayload, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a party using keyset pagination by sent_at.
func (db *DB) ListMessages(sessionID, partyJID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT session_id, msg_id, party_jid, sender_jid, sender_label, from_me, msg_type, body, media_path, raw_payload, sent_at
		FROM messages
		WHERE session_id = ? AND party_jid = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, sessionID, partyJID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.SessionID, &m.MsgID, &m.PartyJID, &m.SenderJID, &m.SenderLabel, &m.FromMe,
			&m.MsgType, &m.Body, &m.MediaPath, &m.RawPayload, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages for a session.
func (db *DB) MessageCount(sessionID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}
