// Package registry holds the process-wide table of registered conversations.
package registry

import (
	"database/sql"
	"sort"
	"sync"

	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/types"
)

// Table is a read-mostly view of the conversation registry. It is loaded
// from the store at startup and refreshed after registrations and on each
// inbound poll.
type Table struct {
	store      *sql.DB
	privileged string

	mu     sync.RWMutex
	byChat map[string]types.Conversation
	byNS   map[string]string // namespace -> chat id
}

// New returns an empty table backed by store. Call Refresh before use.
func New(store *sql.DB, privilegedNamespace string) *Table {
	return &Table{
		store:      store,
		privileged: privilegedNamespace,
		byChat:     map[string]types.Conversation{},
		byNS:       map[string]string{},
	}
}

// Refresh reloads all conversations from the store.
func (t *Table) Refresh() error {
	convs, err := db.GetConversations(t.store)
	if err != nil {
		return err
	}

	byChat := make(map[string]types.Conversation, len(convs))
	byNS := make(map[string]string, len(convs))
	for _, conv := range convs {
		conv.Privileged = conv.Folder == t.privileged
		byChat[conv.ChatID] = conv
		byNS[conv.Namespace()] = conv.ChatID
	}

	t.mu.Lock()
	t.byChat = byChat
	t.byNS = byNS
	t.mu.Unlock()
	return nil
}

// PrivilegedNamespace returns the configured privileged namespace.
func (t *Table) PrivilegedNamespace() string {
	return t.privileged
}

// IsPrivileged reports whether namespace is the privileged namespace.
func (t *Table) IsPrivileged(namespace string) bool {
	return namespace == t.privileged
}

// Get returns the conversation with chatID.
func (t *Table) Get(chatID string) (types.Conversation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conv, ok := t.byChat[chatID]
	return conv, ok
}

// ByNamespace returns the conversation whose namespace is ns.
func (t *Table) ByNamespace(ns string) (types.Conversation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	chatID, ok := t.byNS[ns]
	if !ok {
		return types.Conversation{}, false
	}
	conv, ok := t.byChat[chatID]
	return conv, ok
}

// Privileged returns the privileged conversation, if registered.
func (t *Table) Privileged() (types.Conversation, bool) {
	return t.ByNamespace(t.privileged)
}

// All returns every conversation ordered by namespace.
func (t *Table) All() []types.Conversation {
	t.mu.RLock()
	convs := make([]types.Conversation, 0, len(t.byChat))
	for _, conv := range t.byChat {
		convs = append(convs, conv)
	}
	t.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].Folder < convs[j].Folder
	})
	return convs
}

// ChatIDs returns the chat ids of every registered conversation.
func (t *Table) ChatIDs() []string {
	convs := t.All()
	ids := make([]string, len(convs))
	for i, conv := range convs {
		ids[i] = conv.ChatID
	}
	return ids
}
