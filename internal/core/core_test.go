package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestTriggerMatcher(t *testing.T) {
	m := NewTriggerMatcher("@Andy")
	cases := []struct {
		text string
		want bool
	}{
		{"@Andy what's up", true},
		{"@andy lowercase works", true},
		{"  @Andy leading space", true},
		{"@Andy", true},
		{"@Andyx not a boundary", false},
		{"hey @Andy in the middle", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := m.Match(tc.text); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestIsValidFolder(t *testing.T) {
	cases := map[string]bool{
		"main":          true,
		"family-chat":   true,
		"team_2":        true,
		"":              false,
		"../escape":     false,
		"errors":        false,
		"global":        false,
		"-leading-dash": false,
		"has space":     false,
	}
	for name, want := range cases {
		if got := IsValidFolder(name); got != want {
			t.Errorf("IsValidFolder(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestWriteJSONAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")
	if err := WriteJSONAtomic(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out map[string]int
	found, err := ReadJSON(path, &out)
	if err != nil || !found {
		t.Fatalf("read: found=%v err=%v", found, err)
	}
	if out["a"] != 1 {
		t.Fatalf("unexpected content: %v", out)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestReadJSONMissing(t *testing.T) {
	var out map[string]any
	found, err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	if err != nil || found {
		t.Fatalf("expected not found without error, got found=%v err=%v", found, err)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "roost.yaml")
	content := "assistant_name: Bea\nproject_root: " + root + "\nidle_timeout: 5m\ntimezone: America/New_York\ncontainer:\n  max_concurrent: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ROOST_PRIVILEGED_NAMESPACE", "admin")

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AssistantName != "Bea" || cfg.TriggerWord() != "@Bea" {
		t.Fatalf("unexpected assistant: %q", cfg.AssistantName)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Fatalf("idle timeout = %s", cfg.IdleTimeout)
	}
	if cfg.Container.MaxConcurrent != 2 {
		t.Fatalf("max concurrent = %d", cfg.Container.MaxConcurrent)
	}
	if cfg.PrivilegedNamespace != "admin" {
		t.Fatalf("privileged namespace = %q", cfg.PrivilegedNamespace)
	}
	if cfg.Location == nil || cfg.Location.String() != "America/New_York" {
		t.Fatalf("location = %v", cfg.Location)
	}
	if cfg.GroupsDir != filepath.Join(root, "groups") {
		t.Fatalf("groups dir = %q", cfg.GroupsDir)
	}
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ROOST_PROJECT_ROOT", root)
	t.Setenv("ROOST_POLL_INTERVAL", "10s")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("poll-interval", time.Second, "")
	flags.String("log-level", "info", "")
	if err := flags.Parse([]string{"--poll-interval", "250ms"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := LoadConfig("", flags)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("flag should win over env, got %s", cfg.PollInterval)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unset flag must not override, got %q", cfg.LogLevel)
	}
	if cfg.DataDir != filepath.Join(root, "data") {
		t.Fatalf("data dir = %q", cfg.DataDir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.IdleTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero idle timeout")
	}

	cfg = DefaultConfig(t.TempDir())
	cfg.Timezone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}

	cfg = DefaultConfig(t.TempDir())
	cfg.PrivilegedNamespace = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty privileged namespace")
	}
}

func TestGenerateGUID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := GenerateGUID("task-")
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !HasGUIDPrefix(id, "task") {
			t.Fatalf("unexpected id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}

	for _, id := range []string{"task-ABCDEFGH", "task-abc", "job-abcdefgh", "taskabcdefghi"} {
		if HasGUIDPrefix(id, "task") {
			t.Errorf("HasGUIDPrefix(%q) = true", id)
		}
	}
}
