// Package ipc implements the filesystem mailbox through which invocations
// request host actions. A request's origin is the namespace directory it was
// found in; nothing in the payload can change that.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/adamavenir/roost/internal/router"
	"github.com/adamavenir/roost/internal/types"
)

var (
	// ErrMalformed marks a request that cannot be decoded or is missing fields.
	ErrMalformed = errors.New("malformed request")
	// ErrUnauthorized marks a request its namespace may not perform.
	ErrUnauthorized = errors.New("unauthorized")
)

// Action type tags as written in request files.
const (
	TypeSendMessage          = "send-message"
	TypeScheduleTask         = "schedule-task"
	TypePauseTask            = "pause-task"
	TypeResumeTask           = "resume-task"
	TypeCancelTask           = "cancel-task"
	TypeRegisterConversation = "register-conversation"
	TypeRefreshMetadata      = "refresh-metadata"
	TypeRestartProcess       = "restart-process"
	TypeRebuildImage         = "rebuild-image"
	TypePullAndDeploy        = "pull-and-deploy"
	TypeTestBuild            = "test-build"
)

// Rule is the authorization class of an action.
type Rule int

const (
	// RuleSelf allows the privileged namespace, or any namespace acting on itself.
	RuleSelf Rule = iota
	// RulePrivileged allows only the privileged namespace.
	RulePrivileged
)

// Origin is where a request was found.
type Origin struct {
	Namespace  string
	Privileged bool
}

// Action is the closed set of mailbox requests. Every action is handled by
// exactly one Visitor method.
type Action interface {
	Type() string
	Rule() Rule
	accept(ctx context.Context, origin Origin, v Visitor) error
}

// Visitor executes actions. Adding an action adds a method here, so every
// implementation must handle it.
type Visitor interface {
	SendMessage(ctx context.Context, origin Origin, a SendMessage) error
	ScheduleTask(ctx context.Context, origin Origin, a ScheduleTask) error
	PauseTask(ctx context.Context, origin Origin, a PauseTask) error
	ResumeTask(ctx context.Context, origin Origin, a ResumeTask) error
	CancelTask(ctx context.Context, origin Origin, a CancelTask) error
	RegisterConversation(ctx context.Context, origin Origin, a RegisterConversation) error
	RefreshMetadata(ctx context.Context, origin Origin, a RefreshMetadata) error
	RestartProcess(ctx context.Context, origin Origin, a RestartProcess) error
	RebuildImage(ctx context.Context, origin Origin, a RebuildImage) error
	PullAndDeploy(ctx context.Context, origin Origin, a PullAndDeploy) error
	TestBuild(ctx context.Context, origin Origin, a TestBuild) error
}

// SendMessage delivers text to a conversation.
type SendMessage struct {
	ChatID      string              `json:"chat_id"`
	Text        string              `json:"text"`
	Attachments []router.Attachment `json:"attachments,omitempty"`
}

// ScheduleTask creates a task. Target is the owning namespace and defaults
// to the requesting namespace.
type ScheduleTask struct {
	Prompt        string             `json:"prompt"`
	ScheduleType  types.ScheduleType `json:"schedule_type"`
	ScheduleValue string             `json:"schedule_value"`
	ContextMode   types.ContextMode  `json:"context_mode,omitempty"`
	Target        string             `json:"target,omitempty"`
}

// TaskRef identifies an existing task.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

type (
	PauseTask  struct{ TaskRef }
	ResumeTask struct{ TaskRef }
	CancelTask struct{ TaskRef }
)

// RegisterConversation adds or updates a conversation.
type RegisterConversation struct {
	ChatID          string                    `json:"chat_id"`
	Name            string                    `json:"name"`
	Folder          string                    `json:"folder"`
	Trigger         string                    `json:"trigger,omitempty"`
	RequiresTrigger *bool                     `json:"requires_trigger,omitempty"`
	Container       *types.ContainerOverrides `json:"container,omitempty"`
}

// RefreshMetadata re-syncs chat metadata from the channels.
type RefreshMetadata struct{}

// AdminRequest is the payload of the destructive admin actions.
type AdminRequest struct {
	Reason string `json:"reason,omitempty"`
}

type (
	RestartProcess struct{ AdminRequest }
	RebuildImage   struct{ AdminRequest }
	PullAndDeploy  struct{ AdminRequest }
	TestBuild      struct{}
)

func (SendMessage) Type() string          { return TypeSendMessage }
func (ScheduleTask) Type() string         { return TypeScheduleTask }
func (PauseTask) Type() string            { return TypePauseTask }
func (ResumeTask) Type() string           { return TypeResumeTask }
func (CancelTask) Type() string           { return TypeCancelTask }
func (RegisterConversation) Type() string { return TypeRegisterConversation }
func (RefreshMetadata) Type() string      { return TypeRefreshMetadata }
func (RestartProcess) Type() string       { return TypeRestartProcess }
func (RebuildImage) Type() string         { return TypeRebuildImage }
func (PullAndDeploy) Type() string        { return TypePullAndDeploy }
func (TestBuild) Type() string            { return TypeTestBuild }

func (SendMessage) Rule() Rule          { return RuleSelf }
func (ScheduleTask) Rule() Rule         { return RuleSelf }
func (PauseTask) Rule() Rule            { return RuleSelf }
func (ResumeTask) Rule() Rule           { return RuleSelf }
func (CancelTask) Rule() Rule           { return RuleSelf }
func (RegisterConversation) Rule() Rule { return RulePrivileged }
func (RefreshMetadata) Rule() Rule      { return RulePrivileged }
func (RestartProcess) Rule() Rule       { return RulePrivileged }
func (RebuildImage) Rule() Rule         { return RulePrivileged }
func (PullAndDeploy) Rule() Rule        { return RulePrivileged }
func (TestBuild) Rule() Rule            { return RulePrivileged }

func (a SendMessage) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.SendMessage(ctx, o, a)
}
func (a ScheduleTask) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.ScheduleTask(ctx, o, a)
}
func (a PauseTask) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.PauseTask(ctx, o, a)
}
func (a ResumeTask) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.ResumeTask(ctx, o, a)
}
func (a CancelTask) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.CancelTask(ctx, o, a)
}
func (a RegisterConversation) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.RegisterConversation(ctx, o, a)
}
func (a RefreshMetadata) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.RefreshMetadata(ctx, o, a)
}
func (a RestartProcess) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.RestartProcess(ctx, o, a)
}
func (a RebuildImage) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.RebuildImage(ctx, o, a)
}
func (a PullAndDeploy) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.PullAndDeploy(ctx, o, a)
}
func (a TestBuild) accept(ctx context.Context, o Origin, v Visitor) error {
	return v.TestBuild(ctx, o, a)
}

// Dispatch hands action to the matching Visitor method.
func Dispatch(ctx context.Context, origin Origin, action Action, v Visitor) error {
	return action.accept(ctx, origin, v)
}

// claims are identity fields an invocation might write to escalate. They are
// decoded only so they can be reported.
type claims struct {
	IsMain      *bool  `json:"isMain,omitempty"`
	Privileged  *bool  `json:"privileged,omitempty"`
	GroupFolder string `json:"groupFolder,omitempty"`
	SourceGroup string `json:"sourceGroup,omitempty"`
}

func (c claims) present() []string {
	var fields []string
	if c.IsMain != nil {
		fields = append(fields, "isMain")
	}
	if c.Privileged != nil {
		fields = append(fields, "privileged")
	}
	if c.GroupFolder != "" {
		fields = append(fields, "groupFolder")
	}
	if c.SourceGroup != "" {
		fields = append(fields, "sourceGroup")
	}
	return fields
}

type envelope struct {
	Type string `json:"type"`
	claims
}

// Decode parses one request file. The second result lists identity-claiming
// fields found in the payload.
func Decode(data []byte) (Action, []string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	forged := env.claims.present()

	var (
		action Action
		err    error
	)
	switch env.Type {
	case TypeSendMessage:
		action, err = decodeInto[SendMessage](data)
	case TypeScheduleTask:
		action, err = decodeInto[ScheduleTask](data)
	case TypePauseTask:
		action, err = decodeInto[PauseTask](data)
	case TypeResumeTask:
		action, err = decodeInto[ResumeTask](data)
	case TypeCancelTask:
		action, err = decodeInto[CancelTask](data)
	case TypeRegisterConversation:
		action, err = decodeInto[RegisterConversation](data)
	case TypeRefreshMetadata:
		action = RefreshMetadata{}
	case TypeRestartProcess:
		action, err = decodeInto[RestartProcess](data)
	case TypeRebuildImage:
		action, err = decodeInto[RebuildImage](data)
	case TypePullAndDeploy:
		action, err = decodeInto[PullAndDeploy](data)
	case TypeTestBuild:
		action = TestBuild{}
	case "":
		return nil, forged, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, forged, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	if err != nil {
		return nil, forged, err
	}
	if err := validate(action); err != nil {
		return nil, forged, err
	}
	return action, forged, nil
}

func decodeInto[T Action](data []byte) (Action, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func validate(action Action) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrMalformed, action.Type(), field)
	}
	switch a := action.(type) {
	case SendMessage:
		if a.ChatID == "" {
			return missing("chat_id")
		}
		if strings.TrimSpace(a.Text) == "" && len(a.Attachments) == 0 {
			return missing("text")
		}
	case ScheduleTask:
		if strings.TrimSpace(a.Prompt) == "" {
			return missing("prompt")
		}
		if a.ScheduleType == "" {
			return missing("schedule_type")
		}
		if a.ScheduleValue == "" {
			return missing("schedule_value")
		}
		switch a.ContextMode {
		case "", types.ContextConversation, types.ContextIsolated:
		default:
			return fmt.Errorf("%w: unknown context_mode %q", ErrMalformed, a.ContextMode)
		}
	case PauseTask:
		if a.TaskID == "" {
			return missing("task_id")
		}
	case ResumeTask:
		if a.TaskID == "" {
			return missing("task_id")
		}
	case CancelTask:
		if a.TaskID == "" {
			return missing("task_id")
		}
	case RegisterConversation:
		if a.ChatID == "" {
			return missing("chat_id")
		}
		if a.Name == "" {
			return missing("name")
		}
		if a.Folder == "" {
			return missing("folder")
		}
	}
	return nil
}

// authorize is the single authorization decision. target is the namespace
// the action affects, resolved from host state; it is empty when unknown.
func authorize(origin Origin, rule Rule, target string) error {
	if origin.Privileged {
		return nil
	}
	if rule == RulePrivileged {
		return fmt.Errorf("%w: namespace %q is not privileged", ErrUnauthorized, origin.Namespace)
	}
	if target == "" || target != origin.Namespace {
		return fmt.Errorf("%w: namespace %q may not act on %q", ErrUnauthorized, origin.Namespace, target)
	}
	return nil
}
