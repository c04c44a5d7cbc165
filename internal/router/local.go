package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/types"
)

// LocalPrefix marks chat ids served by the local channel.
const LocalPrefix = "local:"

// LocalChannel is a chat network backed by the message store. Inbound
// messages are posted with `roost post`; replies are stored as bot messages.
type LocalChannel struct {
	store     *sql.DB
	assistant string
	now       func() time.Time
}

// NewLocalChannel creates the local channel.
func NewLocalChannel(store *sql.DB, assistantName string) *LocalChannel {
	return &LocalChannel{store: store, assistant: assistantName, now: time.Now}
}

func (c *LocalChannel) Name() string { return "local" }

func (c *LocalChannel) Owns(chatID string) bool {
	return strings.HasPrefix(chatID, LocalPrefix)
}

func (c *LocalChannel) Connected() bool { return true }

// Send stores the reply. Attachments are recorded by path.
func (c *LocalChannel) Send(ctx context.Context, chatID, text string, attachments []Attachment) error {
	for _, a := range attachments {
		text += fmt.Sprintf("\n[attachment: %s]", a.Path)
	}
	return db.StoreMessage(c.store, types.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		Sender:     "bot",
		SenderName: c.assistant,
		Content:    strings.TrimSpace(text),
		TS:         c.now().UnixMilli(),
		IsFromMe:   true,
		IsBot:      true,
	})
}

// Post stores an inbound message from a local user.
func (c *LocalChannel) Post(chatID, sender, text string) (types.Message, error) {
	if !c.Owns(chatID) {
		return types.Message{}, fmt.Errorf("chat %s is not a local chat", chatID)
	}
	msg := types.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		Sender:     sender,
		SenderName: sender,
		Content:    text,
		TS:         c.now().UnixMilli(),
	}
	return msg, db.StoreMessage(c.store, msg)
}
