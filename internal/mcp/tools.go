package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/ipc"
	"github.com/adamavenir/roost/internal/runner"
	"github.com/adamavenir/roost/internal/types"
)

type sendArgs struct {
	Text   string `json:"text" jsonschema:"Message text to send"`
	ChatID string `json:"chat_id,omitempty" jsonschema:"Target chat id (default: this conversation)"`
}

type scheduleArgs struct {
	Prompt        string `json:"prompt" jsonschema:"What the agent should do when the task fires"`
	ScheduleType  string `json:"schedule_type" jsonschema:"cron, interval or once"`
	ScheduleValue string `json:"schedule_value" jsonschema:"Cron expression, interval in milliseconds, or local timestamp like 2026-02-01T15:30:00"`
	ContextMode   string `json:"context_mode,omitempty" jsonschema:"conversation (sees chat history and session) or isolated (default)"`
	Target        string `json:"target,omitempty" jsonschema:"Owning namespace (privileged conversation only)"`
}

type taskArgs struct {
	TaskID string `json:"task_id" jsonschema:"Task id"`
}

type registerArgs struct {
	ChatID          string `json:"chat_id" jsonschema:"Chat id of the conversation"`
	Name            string `json:"name" jsonschema:"Display name"`
	Folder          string `json:"folder" jsonschema:"Workspace folder and mailbox namespace"`
	Trigger         string `json:"trigger,omitempty" jsonschema:"Trigger word (default: @assistant)"`
	RequiresTrigger *bool  `json:"requires_trigger,omitempty" jsonschema:"Only respond to messages starting with the trigger (default: true)"`
}

type adminArgs struct {
	Action string `json:"action" jsonschema:"restart-process, rebuild-image or pull-and-deploy"`
	Reason string `json:"reason,omitempty" jsonschema:"Why, shown to the privileged conversation"`
}

type emptyArgs struct{}

// RegisterTools registers the mailbox tools.
func RegisterTools(server *mcp.Server, ctx *ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_message",
		Description: "Send a message to the user while you keep working.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args sendArgs) (*mcp.CallToolResult, any, error) {
		return handleSend(*ctx, args), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "schedule_task",
		Description: "Schedule a recurring or one-time task.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args scheduleArgs) (*mcp.CallToolResult, any, error) {
		return handleSchedule(*ctx, args), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List scheduled tasks visible to this conversation.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ emptyArgs) (*mcp.CallToolResult, any, error) {
		return handleSnapshot(*ctx, runner.TasksSnapshot), nil, nil
	})

	for _, tool := range []struct {
		name, description string
		build             func(string) ipc.Action
	}{
		{"pause_task", "Pause a scheduled task.", func(id string) ipc.Action { return ipc.PauseTask{TaskRef: ipc.TaskRef{TaskID: id}} }},
		{"resume_task", "Resume a paused task.", func(id string) ipc.Action { return ipc.ResumeTask{TaskRef: ipc.TaskRef{TaskID: id}} }},
		{"cancel_task", "Cancel and delete a task.", func(id string) ipc.Action { return ipc.CancelTask{TaskRef: ipc.TaskRef{TaskID: id}} }},
	} {
		build := tool.build
		mcp.AddTool(server, &mcp.Tool{
			Name:        tool.name,
			Description: tool.description,
		}, func(_ context.Context, _ *mcp.CallToolRequest, args taskArgs) (*mcp.CallToolResult, any, error) {
			if strings.TrimSpace(args.TaskID) == "" {
				return toolError("Error: task_id is required"), nil, nil
			}
			if !core.HasGUIDPrefix(args.TaskID, ipc.TaskIDPrefix) {
				return toolError(fmt.Sprintf("Error: %q is not a task id", args.TaskID)), nil, nil
			}
			return submit(*ctx, build(args.TaskID)), nil, nil
		})
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conversations",
		Description: "List known conversations (privileged conversation only).",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ emptyArgs) (*mcp.CallToolResult, any, error) {
		return handleSnapshot(*ctx, runner.ConversationsSnapshot), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "register_conversation",
		Description: "Register a new conversation (privileged conversation only).",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args registerArgs) (*mcp.CallToolResult, any, error) {
		return submit(*ctx, ipc.RegisterConversation{
			ChatID:          args.ChatID,
			Name:            args.Name,
			Folder:          args.Folder,
			Trigger:         args.Trigger,
			RequiresTrigger: args.RequiresTrigger,
		}), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "admin",
		Description: "Restart, rebuild or redeploy the host (privileged conversation only).",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args adminArgs) (*mcp.CallToolResult, any, error) {
		return handleAdmin(*ctx, args), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "test_build",
		Description: "Start a build without restarting. Poll test_build_status for the result.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ emptyArgs) (*mcp.CallToolResult, any, error) {
		return submit(*ctx, ipc.TestBuild{}), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "test_build_status",
		Description: "Show the result of the last test build.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ emptyArgs) (*mcp.CallToolResult, any, error) {
		return handleSnapshot(*ctx, ipc.TestBuildFile), nil, nil
	})
}

func handleSend(ctx ToolContext, args sendArgs) *mcp.CallToolResult {
	chatID := args.ChatID
	if chatID == "" {
		chatID = ctx.ChatID
	}
	if chatID == "" {
		return toolError("Error: chat_id is required")
	}
	return submit(ctx, ipc.SendMessage{ChatID: chatID, Text: args.Text})
}

func handleSchedule(ctx ToolContext, args scheduleArgs) *mcp.CallToolResult {
	return submit(ctx, ipc.ScheduleTask{
		Prompt:        args.Prompt,
		ScheduleType:  types.ScheduleType(args.ScheduleType),
		ScheduleValue: args.ScheduleValue,
		ContextMode:   types.ContextMode(args.ContextMode),
		Target:        args.Target,
	})
}

func handleAdmin(ctx ToolContext, args adminArgs) *mcp.CallToolResult {
	req := ipc.AdminRequest{Reason: args.Reason}
	switch args.Action {
	case ipc.TypeRestartProcess:
		return submit(ctx, ipc.RestartProcess{AdminRequest: req})
	case ipc.TypeRebuildImage:
		return submit(ctx, ipc.RebuildImage{AdminRequest: req})
	case ipc.TypePullAndDeploy:
		return submit(ctx, ipc.PullAndDeploy{AdminRequest: req})
	default:
		return toolError(fmt.Sprintf("Error: unknown admin action %q", args.Action))
	}
}

func handleSnapshot(ctx ToolContext, name string) *mcp.CallToolResult {
	data, err := os.ReadFile(filepath.Join(ctx.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return toolResult("Nothing recorded yet", false)
		}
		return toolError(err.Error())
	}
	return toolResult(string(data), false)
}

// submit writes action as a request file. The result only says the request
// was queued; the host may still reject it.
func submit(ctx ToolContext, action ipc.Action) *mcp.CallToolResult {
	data, err := encodeRequest(action)
	if err != nil {
		return toolError(err.Error())
	}
	path, err := ipc.WriteRequestTo(ctx.Dir, data)
	if err != nil {
		return toolError("Error: " + err.Error())
	}
	ctx.Logger.Info("request queued", "action", action.Type(), "file", filepath.Base(path))
	return toolResult(fmt.Sprintf("Queued %s request", action.Type()), false)
}

func encodeRequest(action ipc.Action) ([]byte, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = action.Type()
	return json.Marshal(fields)
}

func toolResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

func toolError(text string) *mcp.CallToolResult {
	return toolResult(text, true)
}
