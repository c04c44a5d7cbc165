package mcp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/ipc"
	"github.com/adamavenir/roost/internal/runner"
)

func newToolContext(t *testing.T) ToolContext {
	t.Helper()
	return ToolContext{Dir: t.TempDir(), ChatID: "local:alice", Logger: core.DiscardLogger()}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func queued(t *testing.T, dir, queue string) []map[string]any {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, queue))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read queue: %v", err)
	}
	var out []map[string]any
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, queue, e.Name()))
		if err != nil {
			t.Fatalf("read request: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestSendMessageDefaultsToOwnChat(t *testing.T) {
	ctx := newToolContext(t)
	res := handleSend(ctx, sendArgs{Text: "working on it"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, res))
	}
	reqs := queued(t, ctx.Dir, ipc.QueueMessages)
	if len(reqs) != 1 || reqs[0]["type"] != ipc.TypeSendMessage || reqs[0]["chat_id"] != "local:alice" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestScheduleTaskWritesTaskRequest(t *testing.T) {
	ctx := newToolContext(t)
	res := handleSchedule(ctx, scheduleArgs{Prompt: "standup", ScheduleType: "cron", ScheduleValue: "0 9 * * 1-5"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, res))
	}
	reqs := queued(t, ctx.Dir, ipc.QueueTasks)
	if len(reqs) != 1 || reqs[0]["type"] != ipc.TypeScheduleTask || reqs[0]["schedule_value"] != "0 9 * * 1-5" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestInvalidRequestIsNotWritten(t *testing.T) {
	ctx := newToolContext(t)
	res := handleSchedule(ctx, scheduleArgs{Prompt: "x", ScheduleType: "cron"})
	if !res.IsError || !strings.Contains(resultText(t, res), "schedule_value") {
		t.Fatalf("expected validation error, got %+v", res)
	}
	if reqs := queued(t, ctx.Dir, ipc.QueueTasks); len(reqs) != 0 {
		t.Fatalf("nothing should be written: %+v", reqs)
	}
}

func TestEncodeRequestFlattensEmbeddedFields(t *testing.T) {
	data, err := encodeRequest(ipc.PauseTask{TaskRef: ipc.TaskRef{TaskID: "task-1"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	action, _, err := ipc.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pause, ok := action.(ipc.PauseTask); !ok || pause.TaskID != "task-1" {
		t.Fatalf("unexpected action: %#v", action)
	}
}

func TestAdminRejectsUnknownAction(t *testing.T) {
	ctx := newToolContext(t)
	if res := handleAdmin(ctx, adminArgs{Action: "format-disk"}); !res.IsError {
		t.Fatal("expected error for unknown action")
	}
	if res := handleAdmin(ctx, adminArgs{Action: ipc.TypeRestartProcess, Reason: "update"}); res.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, res))
	}
	reqs := queued(t, ctx.Dir, ipc.QueueTasks)
	if len(reqs) != 1 || reqs[0]["reason"] != "update" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestSnapshotTools(t *testing.T) {
	ctx := newToolContext(t)
	if got := resultText(t, handleSnapshot(ctx, runner.TasksSnapshot)); got != "Nothing recorded yet" {
		t.Fatalf("unexpected empty snapshot text: %q", got)
	}
	if err := os.WriteFile(filepath.Join(ctx.Dir, runner.TasksSnapshot), []byte(`{"tasks":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := resultText(t, handleSnapshot(ctx, runner.TasksSnapshot)); got != `{"tasks":[]}` {
		t.Fatalf("unexpected snapshot: %q", got)
	}
}

func TestNewServerRequiresMailboxDir(t *testing.T) {
	if _, err := NewServer(filepath.Join(t.TempDir(), "missing"), "", "test", nil); err == nil {
		t.Fatal("expected error for missing directory")
	}
	dir := t.TempDir()
	t.Setenv(runner.EnvChatID, "local:bob")
	server, err := NewServer(dir, "", "test", nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if server.ctx.ChatID != "local:bob" {
		t.Fatalf("expected chat id from environment, got %q", server.ctx.ChatID)
	}
}
