package command

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/ipc"
	"github.com/adamavenir/roost/internal/types"
)

func executeCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return buf.String(), err
}

func setupProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("ROOST_PROJECT_ROOT", root)
	t.Setenv("ROOST_TIMEZONE", "UTC")
	return root
}

func TestRootCommandVersion(t *testing.T) {
	cmd := NewRootCmd("test")

	output, err := executeCommand(cmd, "--version")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(output, "roost version test") {
		t.Fatalf("expected version output, got %q", output)
	}
}

func TestRegisterAndListConversations(t *testing.T) {
	root := setupProject(t)

	if _, err := executeCommand(NewRootCmd("test"), "conversations", "register",
		"--chat", "local:ops", "--name", "Ops", "--folder", "ops"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if info, err := os.Stat(filepath.Join(root, "groups", "ops")); err != nil || !info.IsDir() {
		t.Fatalf("expected workspace folder to be created: %v", err)
	}

	output, err := executeCommand(NewRootCmd("test"), "conversations", "list", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var convs []types.Conversation
	if err := json.Unmarshal([]byte(output), &convs); err != nil {
		t.Fatalf("decode list output %q: %v", output, err)
	}
	if len(convs) != 1 || convs[0].Folder != "ops" || !convs[0].RequiresTrigger || convs[0].Trigger != "@Andy" {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
}

func TestRegisterRejectsInvalidFolder(t *testing.T) {
	setupProject(t)

	_, err := executeCommand(NewRootCmd("test"), "conversations", "register",
		"--chat", "local:x", "--name", "X", "--folder", "../escape")
	if err == nil {
		t.Fatal("expected invalid folder error")
	}
}

func TestPostThenLog(t *testing.T) {
	setupProject(t)

	if _, err := executeCommand(NewRootCmd("test"), "post", "--chat", "ops", "--sender", "sam", "hello", "there"); err != nil {
		t.Fatalf("post: %v", err)
	}
	output, err := executeCommand(NewRootCmd("test"), "log", "--chat", "local:ops")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(output, "sam: hello there") {
		t.Fatalf("expected posted message in log, got %q", output)
	}
}

func TestIPCSubmitChecksQueue(t *testing.T) {
	root := setupProject(t)
	request := `{"type":"pause-task","task_id":"task-1"}`

	if _, err := executeCommand(NewRootCmd("test"), "ipc", "submit", "--namespace", "ops", "--queue", ipc.QueueMessages, request); err == nil {
		t.Fatal("expected queue mismatch error")
	}
	dir := filepath.Join(root, "data", "ipc", "ops", ipc.QueueMessages)
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("nothing should be written on mismatch, found %d files", len(entries))
	}

	output, err := executeCommand(NewRootCmd("test"), "ipc", "submit", "--namespace", "ops", request)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	path := strings.TrimSpace(output)
	if filepath.Dir(path) != filepath.Join(root, "data", "ipc", "ops", ipc.QueueTasks) {
		t.Fatalf("unexpected request path %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("request file missing: %v", err)
	}
}
