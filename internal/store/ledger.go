package store

import "time"

// SentTodayCount returns the number of self-sent messages whose sent_at
// falls within the current UTC day for the given session. This is the
// enforcement basis for the daily broadcast cap.
func (db *DB) SentTodayCount(sessionID string, now time.Time) (int, error) {
	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE session_id = ? AND from_me = 1 AND sent_at >= ? AND sent_at < ?`,
		sessionID, dayStart.UnixMilli(), dayEnd.UnixMilli()).Scan(&count)
	return count, err
}
