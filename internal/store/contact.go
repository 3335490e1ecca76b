package store

import (
	"database/sql"
)

// UpsertContact inserts or updates a contact. The in-memory cache is the
// precedence authority, so display_name and name_tier are taken as given;
// push_name only fills gaps and updated_at never moves backwards.
func (db *DB) UpsertContact(c *Contact) error {
	_, err := db.Exec(`
		INSERT INTO contacts (session_id, jid, display_name, push_name, is_group, name_tier, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
			name_tier = CASE WHEN excluded.display_name != '' THEN excluded.name_tier ELSE contacts.name_tier END,
			push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE contacts.push_name END,
			is_group = MAX(contacts.is_group, excluded.is_group),
			unread_count = CASE WHEN excluded.unread_count > 0 THEN excluded.unread_count ELSE contacts.unread_count END,
			updated_at = MAX(contacts.updated_at, excluded.updated_at)`,
		c.SessionID, c.JID, c.DisplayName, c.PushName, c.IsGroup, c.NameTier, c.UnreadCount, c.UpdatedAt)
	return err
}

// GetContact returns a contact by key, or nil if unknown.
func (db *DB) GetContact(sessionID, jid string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`
		SELECT session_id, jid, display_name, push_name, is_group, name_tier, unread_count, updated_at
		FROM contacts WHERE session_id = ? AND jid = ?`, sessionID, jid).
		Scan(&c.SessionID, &c.JID, &c.DisplayName, &c.PushName, &c.IsGroup, &c.NameTier, &c.UnreadCount, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns a session's contacts ordered by most recent activity.
func (db *DB) ListContacts(sessionID string, limit, offset int) ([]Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT session_id, jid, display_name, push_name, is_group, name_tier, unread_count, updated_at
		FROM contacts
		WHERE session_id = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.SessionID, &c.JID, &c.DisplayName, &c.PushName, &c.IsGroup, &c.NameTier, &c.UnreadCount, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
