package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adamavenir/roost/internal/types"
)

// ErrFolderTaken is returned when a folder is already bound to another chat.
var ErrFolderTaken = errors.New("folder already registered to another conversation")

// GetConversation returns a conversation by chat id, or nil if absent.
func GetConversation(db *sql.DB, chatID string) (*types.Conversation, error) {
	row := db.QueryRow(`
		SELECT chat_id, name, folder, trigger_word, requires_trigger, container_config, added_at
		FROM roost_conversations
		WHERE chat_id = ?
	`, chatID)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversationByFolder returns the conversation bound to folder, or nil.
func GetConversationByFolder(db *sql.DB, folder string) (*types.Conversation, error) {
	row := db.QueryRow(`
		SELECT chat_id, name, folder, trigger_word, requires_trigger, container_config, added_at
		FROM roost_conversations
		WHERE folder = ?
	`, folder)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversations returns all registered conversations ordered by folder.
func GetConversations(db *sql.DB) ([]types.Conversation, error) {
	rows, err := db.Query(`
		SELECT chat_id, name, folder, trigger_word, requires_trigger, container_config, added_at
		FROM roost_conversations
		ORDER BY folder
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []types.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpsertConversation registers a conversation or updates an existing one.
// The privileged flag is not stored; it is derived from configuration.
func UpsertConversation(db *sql.DB, conv types.Conversation) error {
	existing, err := GetConversationByFolder(db, conv.Folder)
	if err != nil {
		return err
	}
	if existing != nil && existing.ChatID != conv.ChatID {
		return fmt.Errorf("%w: %s is bound to %s", ErrFolderTaken, conv.Folder, existing.ChatID)
	}

	var containerJSON sql.NullString
	if conv.Container != nil {
		data, err := json.Marshal(conv.Container)
		if err != nil {
			return err
		}
		containerJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = db.Exec(`
		INSERT INTO roost_conversations (chat_id, name, folder, trigger_word, requires_trigger, container_config, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
		  name = excluded.name,
		  folder = excluded.folder,
		  trigger_word = excluded.trigger_word,
		  requires_trigger = excluded.requires_trigger,
		  container_config = excluded.container_config
	`, conv.ChatID, conv.Name, conv.Folder, conv.Trigger, boolToInt(conv.RequiresTrigger), containerJSON, conv.AddedAt)
	return err
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (types.Conversation, error) {
	var (
		conv            types.Conversation
		requiresTrigger int
		containerJSON   sql.NullString
	)
	if err := scanner.Scan(&conv.ChatID, &conv.Name, &conv.Folder, &conv.Trigger, &requiresTrigger, &containerJSON, &conv.AddedAt); err != nil {
		return types.Conversation{}, err
	}
	conv.RequiresTrigger = requiresTrigger != 0
	if containerJSON.Valid && containerJSON.String != "" {
		var overrides types.ContainerOverrides
		if err := json.Unmarshal([]byte(containerJSON.String), &overrides); err == nil {
			conv.Container = &overrides
		}
	}
	return conv, nil
}
