package types

import "time"

// Mount describes an extra host directory exposed to a conversation's invocations.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path,omitempty"`
	ReadOnly      *bool  `json:"readonly,omitempty"`
}

// ContainerOverrides holds per-conversation invocation settings.
type ContainerOverrides struct {
	AdditionalMounts []Mount `json:"additional_mounts,omitempty"`
	TimeoutMs        int64   `json:"timeout_ms,omitempty"`
}

// Conversation is one addressable chat context with its own workspace.
type Conversation struct {
	ChatID          string              `json:"chat_id"`
	Name            string              `json:"name"`
	Folder          string              `json:"folder"`
	Trigger         string              `json:"trigger"`
	RequiresTrigger bool                `json:"requires_trigger"`
	Privileged      bool                `json:"privileged"`
	Container       *ContainerOverrides `json:"container,omitempty"`
	AddedAt         int64               `json:"added_at"`
}

// Namespace returns the mailbox namespace of the conversation.
// The namespace and the workspace folder are the same directory name.
func (c Conversation) Namespace() string {
	return c.Folder
}

// ScheduleType is how a task's schedule_value is interpreted.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// ContextMode controls what an invocation fired by a task can see.
type ContextMode string

const (
	ContextConversation ContextMode = "conversation"
	ContextIsolated     ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed" // terminal state for fired once tasks
)

// Task is a persisted, schedulable unit of work.
type Task struct {
	ID            string       `json:"id"`
	Owner         string       `json:"owner"` // namespace of the owning conversation
	ChatID        string       `json:"chat_id"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	Status        TaskStatus   `json:"status"`
	NextRun       *time.Time   `json:"next_run,omitempty"`
	LastRun       *time.Time   `json:"last_run,omitempty"`
	LastResult    *string      `json:"last_result,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// RunStatus is the outcome of one invocation or task run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunTimeout RunStatus = "timeout"
)

// TaskRunLog records one firing of a task.
type TaskRunLog struct {
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	DurationMs int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Result     *string   `json:"result,omitempty"`
	Error      *string   `json:"error,omitempty"`
}

// Message is one inbound or outbound chat message.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	TS         int64  `json:"ts"` // unix milliseconds
	IsFromMe   bool   `json:"is_from_me"`
	IsBot      bool   `json:"is_bot"`
}

// RunKind says what caused an invocation.
type RunKind string

const (
	RunKindMessages RunKind = "messages"
	RunKindTask     RunKind = "task"
)

// RunRecord is the usage-statistics row written after each invocation.
type RunRecord struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	Namespace  string    `json:"namespace"`
	Kind       RunKind   `json:"kind"`
	StartedAt  int64     `json:"started_at"` // unix milliseconds
	DurationMs int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
}
