package db

import (
	"database/sql"
	"strings"

	"github.com/adamavenir/roost/internal/types"
)

const messageColumns = `id, chat_id, sender, sender_name, content, ts, is_from_me, is_bot`

// StoreMessage records a chat message. Re-storing the same id is a no-op.
func StoreMessage(db *sql.DB, msg types.Message) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO roost_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, msg.Sender, msg.SenderName, msg.Content, msg.TS, boolToInt(msg.IsFromMe), boolToInt(msg.IsBot))
	return err
}

// GetNewMessages returns non-bot messages after sinceTS in any of chatIDs,
// oldest first, together with the newest timestamp seen.
func GetNewMessages(db *sql.DB, chatIDs []string, sinceTS int64) ([]types.Message, int64, error) {
	if len(chatIDs) == 0 {
		return nil, sinceTS, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chatIDs)), ",")
	args := make([]any, 0, len(chatIDs)+1)
	args = append(args, sinceTS)
	for _, id := range chatIDs {
		args = append(args, id)
	}

	msgs, err := queryMessages(db, `
		SELECT `+messageColumns+`
		FROM roost_messages
		WHERE ts > ? AND chat_id IN (`+placeholders+`) AND is_bot = 0
		ORDER BY ts, id
	`, args...)
	if err != nil {
		return nil, sinceTS, err
	}

	newest := sinceTS
	for _, msg := range msgs {
		if msg.TS > newest {
			newest = msg.TS
		}
	}
	return msgs, newest, nil
}

// GetMessagesSince returns non-bot messages in one chat after sinceTS.
func GetMessagesSince(db *sql.DB, chatID string, sinceTS int64) ([]types.Message, error) {
	return queryMessages(db, `
		SELECT `+messageColumns+`
		FROM roost_messages
		WHERE chat_id = ? AND ts > ? AND is_bot = 0
		ORDER BY ts, id
	`, chatID, sinceTS)
}

// GetRecentMessages returns the last limit messages (including bot replies)
// in one chat, oldest first.
func GetRecentMessages(db *sql.DB, chatID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	msgs, err := queryMessages(db, `
		SELECT `+messageColumns+`
		FROM roost_messages
		WHERE chat_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func queryMessages(db *sql.DB, query string, args ...any) ([]types.Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var (
			msg      types.Message
			isFromMe int
			isBot    int
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Sender, &msg.SenderName, &msg.Content, &msg.TS, &isFromMe, &isBot); err != nil {
			return nil, err
		}
		msg.IsFromMe = isFromMe != 0
		msg.IsBot = isBot != 0
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
