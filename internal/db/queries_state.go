package db

import (
	"database/sql"
	"strconv"
)

const (
	lastTimestampKey  = "last_timestamp"
	agentCursorPrefix = "agent_cursor:"
)

// GetState returns a router state value, or "" if unset.
func GetState(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM roost_router_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetState stores a router state value.
func SetState(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO roost_router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func getInt64State(db *sql.DB, key string) (int64, error) {
	value, err := GetState(db, key)
	if err != nil || value == "" {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// GetLastTimestamp returns the global inbound watermark (unix ms).
func GetLastTimestamp(db *sql.DB) (int64, error) {
	return getInt64State(db, lastTimestampKey)
}

// SetLastTimestamp stores the global inbound watermark.
func SetLastTimestamp(db *sql.DB, ts int64) error {
	return SetState(db, lastTimestampKey, strconv.FormatInt(ts, 10))
}

// GetAgentCursor returns the timestamp of the last message handed to an
// invocation for chatID.
func GetAgentCursor(db *sql.DB, chatID string) (int64, error) {
	return getInt64State(db, agentCursorPrefix+chatID)
}

// SetAgentCursor stores the per-conversation agent cursor.
func SetAgentCursor(db *sql.DB, chatID string, ts int64) error {
	return SetState(db, agentCursorPrefix+chatID, strconv.FormatInt(ts, 10))
}

// GetSession returns the resumable session id for a namespace, or "".
func GetSession(db *sql.DB, namespace string) (string, error) {
	var id string
	err := db.QueryRow(`SELECT session_id FROM roost_sessions WHERE namespace = ?`, namespace).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// SetSession stores the resumable session id for a namespace.
func SetSession(db *sql.DB, namespace, sessionID string) error {
	_, err := db.Exec(`
		INSERT INTO roost_sessions (namespace, session_id) VALUES (?, ?)
		ON CONFLICT(namespace) DO UPDATE SET session_id = excluded.session_id
	`, namespace, sessionID)
	return err
}
