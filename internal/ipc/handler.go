package ipc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/registry"
	"github.com/adamavenir/roost/internal/router"
	"github.com/adamavenir/roost/internal/scheduler"
	"github.com/adamavenir/roost/internal/types"
)

// TaskIDPrefix prefixes the ids of tasks created through the mailbox.
const TaskIDPrefix = "task"

// Outbound delivers text to a conversation.
type Outbound interface {
	SendOutbound(ctx context.Context, chatID, text string, attachments ...router.Attachment) error
}

// MetadataSyncer refreshes chat metadata from the channels.
type MetadataSyncer interface {
	SyncMetadata(ctx context.Context) error
}

// Snapshotter rewrites the read-only state copies in a namespace.
type Snapshotter interface {
	WriteTasks(ns string, privileged bool) error
	WriteConversations(ns string, privileged bool) error
}

// HandlerDeps are the collaborators of a Handler.
type HandlerDeps struct {
	Store          *sql.DB
	Registry       *registry.Table
	Outbound       Outbound
	Syncer         MetadataSyncer
	Snapshots      Snapshotter
	Deployer       *Deployer
	GroupsDir      string
	DefaultTrigger string
	Location       *time.Location
	Logger         *slog.Logger
}

// Handler executes authorized mailbox actions against host state.
type Handler struct {
	deps   HandlerDeps
	logger *slog.Logger
	now    func() time.Time
}

var _ Visitor = (*Handler)(nil)

// NewHandler creates a handler.
func NewHandler(deps HandlerDeps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Handler{deps: deps, logger: logger.With("component", "ipc"), now: time.Now}
}

func (h *Handler) SendMessage(ctx context.Context, origin Origin, a SendMessage) error {
	target := ""
	if conv, ok := h.deps.Registry.Get(a.ChatID); ok {
		target = conv.Namespace()
	}
	if err := authorize(origin, a.Rule(), target); err != nil {
		return err
	}
	return h.deps.Outbound.SendOutbound(ctx, a.ChatID, a.Text, a.Attachments...)
}

func (h *Handler) ScheduleTask(ctx context.Context, origin Origin, a ScheduleTask) error {
	target := a.Target
	if target == "" {
		target = origin.Namespace
	}
	if err := authorize(origin, a.Rule(), target); err != nil {
		return err
	}
	conv, ok := h.deps.Registry.ByNamespace(target)
	if !ok {
		return fmt.Errorf("schedule-task: no conversation for namespace %q", target)
	}

	now := h.now()
	next, err := scheduler.FirstRun(a.ScheduleType, a.ScheduleValue, h.deps.Location, now)
	if err != nil {
		return fmt.Errorf("schedule-task: %w", err)
	}

	id, err := core.GenerateGUID(TaskIDPrefix)
	if err != nil {
		return err
	}
	mode := a.ContextMode
	if mode == "" {
		mode = types.ContextIsolated
	}
	task := types.Task{
		ID:            id,
		Owner:         conv.Namespace(),
		ChatID:        conv.ChatID,
		Prompt:        a.Prompt,
		ScheduleType:  a.ScheduleType,
		ScheduleValue: a.ScheduleValue,
		ContextMode:   mode,
		Status:        types.TaskActive,
		NextRun:       next,
		CreatedAt:     now,
	}
	if err := db.CreateTask(h.deps.Store, task); err != nil {
		return fmt.Errorf("schedule-task: %w", err)
	}
	h.logger.Info("task scheduled", "task", id, "namespace", task.Owner, "schedule_type", task.ScheduleType, "next_run", next)
	h.refreshTasks(task.Owner)
	return nil
}

// ownedTask loads a task and authorizes origin against its recorded owner.
func (h *Handler) ownedTask(origin Origin, a Action, taskID string) (*types.Task, error) {
	task, err := db.GetTask(h.deps.Store, taskID)
	if err != nil {
		return nil, err
	}
	owner := ""
	if task != nil {
		owner = task.Owner
	}
	if err := authorize(origin, a.Rule(), owner); err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%s: task %s not found", a.Type(), taskID)
	}
	return task, nil
}

func (h *Handler) PauseTask(ctx context.Context, origin Origin, a PauseTask) error {
	task, err := h.ownedTask(origin, a, a.TaskID)
	if err != nil {
		return err
	}
	if task.Status == types.TaskCompleted {
		return fmt.Errorf("pause-task: task %s already completed", task.ID)
	}
	if err := db.SetTaskStatus(h.deps.Store, task.ID, types.TaskPaused); err != nil {
		return err
	}
	h.logger.Info("task paused", "task", task.ID, "namespace", task.Owner)
	h.refreshTasks(task.Owner)
	return nil
}

func (h *Handler) ResumeTask(ctx context.Context, origin Origin, a ResumeTask) error {
	task, err := h.ownedTask(origin, a, a.TaskID)
	if err != nil {
		return err
	}
	if task.Status == types.TaskCompleted {
		return fmt.Errorf("resume-task: task %s already completed", task.ID)
	}
	if err := db.SetTaskStatus(h.deps.Store, task.ID, types.TaskActive); err != nil {
		return err
	}
	h.logger.Info("task resumed", "task", task.ID, "namespace", task.Owner)
	h.refreshTasks(task.Owner)
	return nil
}

func (h *Handler) CancelTask(ctx context.Context, origin Origin, a CancelTask) error {
	task, err := h.ownedTask(origin, a, a.TaskID)
	if err != nil {
		return err
	}
	if err := db.DeleteTask(h.deps.Store, task.ID); err != nil {
		return err
	}
	h.logger.Info("task cancelled", "task", task.ID, "namespace", task.Owner)
	h.refreshTasks(task.Owner)
	return nil
}

func (h *Handler) RegisterConversation(ctx context.Context, origin Origin, a RegisterConversation) error {
	if err := authorize(origin, a.Rule(), ""); err != nil {
		return err
	}
	if !core.IsValidFolder(a.Folder) {
		return fmt.Errorf("%w: invalid folder %q", ErrMalformed, a.Folder)
	}

	conv := types.Conversation{
		ChatID:          a.ChatID,
		Name:            a.Name,
		Folder:          a.Folder,
		Trigger:         a.Trigger,
		RequiresTrigger: true,
		Container:       a.Container,
		AddedAt:         h.now().UnixMilli(),
	}
	if conv.Trigger == "" {
		conv.Trigger = h.deps.DefaultTrigger
	}
	if a.RequiresTrigger != nil {
		conv.RequiresTrigger = *a.RequiresTrigger
	}
	if err := db.UpsertConversation(h.deps.Store, conv); err != nil {
		return fmt.Errorf("register-conversation: %w", err)
	}
	if h.deps.GroupsDir != "" {
		if err := os.MkdirAll(filepath.Join(h.deps.GroupsDir, conv.Folder), 0o755); err != nil {
			return fmt.Errorf("register-conversation: create folder: %w", err)
		}
	}
	if err := h.deps.Registry.Refresh(); err != nil {
		return err
	}
	h.logger.Info("conversation registered", "conversation", conv.ChatID, "namespace", conv.Folder)
	h.refreshConversations()
	return nil
}

func (h *Handler) RefreshMetadata(ctx context.Context, origin Origin, a RefreshMetadata) error {
	if err := authorize(origin, a.Rule(), ""); err != nil {
		return err
	}
	if h.deps.Syncer != nil {
		if err := h.deps.Syncer.SyncMetadata(ctx); err != nil {
			h.logger.Warn("metadata sync incomplete", "error", err)
		}
	}
	if err := h.deps.Registry.Refresh(); err != nil {
		return err
	}
	h.refreshConversations()
	return nil
}

func (h *Handler) RestartProcess(ctx context.Context, origin Origin, a RestartProcess) error {
	if err := authorize(origin, a.Rule(), ""); err != nil {
		return err
	}
	if h.deps.Deployer == nil {
		return errNoDeployer
	}
	return h.deps.Deployer.Run(ctx, DeployRestart, a.Reason)
}

func (h *Handler) RebuildImage(ctx context.Context, origin Origin, a RebuildImage) error {
	if err := authorize(origin, a.Rule(), ""); err != nil {
		return err
	}
	if h.deps.Deployer == nil {
		return errNoDeployer
	}
	return h.deps.Deployer.Run(ctx, DeployRebuildImage, a.Reason)
}

func (h *Handler) PullAndDeploy(ctx context.Context, origin Origin, a PullAndDeploy) error {
	if err := authorize(origin, a.Rule(), ""); err != nil {
		return err
	}
	if h.deps.Deployer == nil {
		return errNoDeployer
	}
	return h.deps.Deployer.Run(ctx, DeployPull, a.Reason)
}

func (h *Handler) TestBuild(ctx context.Context, origin Origin, a TestBuild) error {
	if err := authorize(origin, a.Rule(), ""); err != nil {
		return err
	}
	if h.deps.Deployer == nil {
		return errNoDeployer
	}
	return h.deps.Deployer.TestBuild(ctx, origin.Namespace)
}

var errNoDeployer = errors.New("admin actions are not configured")

func (h *Handler) refreshTasks(ns string) {
	if h.deps.Snapshots == nil {
		return
	}
	privileged := h.deps.Registry.PrivilegedNamespace()
	if err := h.deps.Snapshots.WriteTasks(ns, ns == privileged); err != nil {
		h.logger.Warn("task snapshot failed", "namespace", ns, "error", err)
	}
	if ns != privileged {
		if err := h.deps.Snapshots.WriteTasks(privileged, true); err != nil {
			h.logger.Warn("task snapshot failed", "namespace", privileged, "error", err)
		}
	}
}

func (h *Handler) refreshConversations() {
	if h.deps.Snapshots == nil {
		return
	}
	privileged := h.deps.Registry.PrivilegedNamespace()
	if err := h.deps.Snapshots.WriteConversations(privileged, true); err != nil {
		h.logger.Warn("conversation snapshot failed", "error", err)
	}
}
