package runner

import (
	"database/sql"
	"path/filepath"
	"time"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/registry"
	"github.com/adamavenir/roost/internal/types"
	"github.com/adamavenir/roost/internal/usage"
)

// Snapshot file names inside a mailbox namespace directory.
const (
	TasksSnapshot         = "current_tasks.json"
	ConversationsSnapshot = "available_conversations.json"
	UsageSnapshot         = "usage_stats.json"
)

// SnapshotWriter refreshes the read-only state copies an invocation sees.
type SnapshotWriter interface {
	WriteAll(conv types.Conversation, privileged bool) error
}

// Snapshots writes task, conversation and usage snapshots into mailbox
// namespace directories. They are caches; the store stays authoritative.
type Snapshots struct {
	store    *sql.DB
	registry *registry.Table
	ipcDir   string
	now      func() time.Time
}

// NewSnapshots returns a writer rooted at ipcDir.
func NewSnapshots(store *sql.DB, reg *registry.Table, ipcDir string) *Snapshots {
	return &Snapshots{store: store, registry: reg, ipcDir: ipcDir, now: time.Now}
}

type taskSnapshot struct {
	GeneratedAt string       `json:"generated_at"`
	Tasks       []types.Task `json:"tasks"`
}

type conversationEntry struct {
	ChatID     string `json:"chat_id"`
	Name       string `json:"name"`
	Folder     string `json:"folder"`
	Registered bool   `json:"registered"`
}

type conversationSnapshot struct {
	GeneratedAt   string              `json:"generated_at"`
	Conversations []conversationEntry `json:"conversations"`
}

// WriteAll refreshes every snapshot for one namespace.
func (s *Snapshots) WriteAll(conv types.Conversation, privileged bool) error {
	ns := conv.Namespace()
	if err := s.WriteTasks(ns, privileged); err != nil {
		return err
	}
	if err := s.WriteConversations(ns, privileged); err != nil {
		return err
	}
	return s.WriteUsage(ns, privileged)
}

// WriteTasks writes the task list. The privileged namespace sees every
// task; others see only their own.
func (s *Snapshots) WriteTasks(ns string, privileged bool) error {
	var (
		tasks []types.Task
		err   error
	)
	if privileged {
		tasks, err = db.GetTasks(s.store)
	} else {
		tasks, err = db.GetTasksForOwner(s.store, ns)
	}
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []types.Task{}
	}
	return core.WriteJSONAtomic(s.path(ns, TasksSnapshot), taskSnapshot{
		GeneratedAt: s.stamp(),
		Tasks:       tasks,
	})
}

// WriteConversations writes the registry. Only the privileged namespace
// gets entries since only it may register conversations.
func (s *Snapshots) WriteConversations(ns string, privileged bool) error {
	entries := []conversationEntry{}
	if privileged {
		for _, conv := range s.registry.All() {
			entries = append(entries, conversationEntry{
				ChatID:     conv.ChatID,
				Name:       conv.Name,
				Folder:     conv.Folder,
				Registered: true,
			})
		}
	}
	return core.WriteJSONAtomic(s.path(ns, ConversationsSnapshot), conversationSnapshot{
		GeneratedAt:   s.stamp(),
		Conversations: entries,
	})
}

// WriteUsage writes usage statistics, limited to ns unless privileged.
func (s *Snapshots) WriteUsage(ns string, privileged bool) error {
	only := ns
	if privileged {
		only = ""
	}
	report, err := usage.Load(s.store, only, s.now())
	if err != nil {
		return err
	}
	return core.WriteJSONAtomic(s.path(ns, UsageSnapshot), report)
}

func (s *Snapshots) path(ns, name string) string {
	return filepath.Join(s.ipcDir, ns, name)
}

func (s *Snapshots) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
