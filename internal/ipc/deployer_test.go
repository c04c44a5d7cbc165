package ipc

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adamavenir/roost/internal/core"
	"github.com/cenkalti/backoff/v4"
)

type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]int // command prefix -> remaining failures
	head    string
	release chan struct{}
}

func (r *scriptedRunner) run(ctx context.Context, dir string, argv []string) (string, error) {
	cmd := strings.Join(argv, " ")
	if r.release != nil && !strings.HasPrefix(cmd, "git") {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	for prefix, n := range r.fail {
		if n > 0 && strings.HasPrefix(cmd, prefix) {
			r.fail[prefix] = n - 1
			return "boom: " + cmd, errors.New("exit status 1")
		}
	}
	switch {
	case cmd == "git rev-parse HEAD":
		return r.head + "\n", nil
	case strings.HasPrefix(cmd, "git merge"):
		r.head = "new"
	case strings.HasPrefix(cmd, "git reset --hard"):
		r.head = argv[len(argv)-1]
	}
	return "ok", nil
}

func (r *scriptedRunner) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestDeployer(t *testing.T, r *scriptedRunner) (*Deployer, *[]int, *[]string) {
	t.Helper()
	var codes []int
	var notes []string
	d := NewDeployer(DeployerOptions{
		Config: core.DeployConfig{
			BuildCommand:      []string{"make", "build"},
			ImageBuildCommand: []string{"make", "image"},
			Remote:            "origin",
			Branch:            "main",
		},
		Root:      t.TempDir(),
		IPCDir:    t.TempDir(),
		Runner:    r.run,
		Notify:    func(ctx context.Context, text string) { notes = append(notes, text) },
		Terminate: func(code int) { codes = append(codes, code) },
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	})
	return d, &codes, &notes
}

func TestRestartBuildsThenTerminates(t *testing.T) {
	r := &scriptedRunner{head: "abc"}
	d, codes, notes := newTestDeployer(t, r)

	if err := d.Run(context.Background(), DeployRestart, "config change"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.Join(r.history(), "|"); got != "git rev-parse HEAD|make build" {
		t.Fatalf("unexpected commands: %s", got)
	}
	if len(*codes) != 1 || (*codes)[0] != 0 {
		t.Fatalf("expected terminate(0), got %v", *codes)
	}
	if len(*notes) != 2 || !strings.Contains((*notes)[0], "config change") {
		t.Fatalf("unexpected notifications: %v", *notes)
	}
}

func TestPullAndDeployRollsBackFailedBuild(t *testing.T) {
	r := &scriptedRunner{head: "good", fail: map[string]int{"git fetch": 2, "make build": 1}}
	d, codes, _ := newTestDeployer(t, r)

	if err := d.Run(context.Background(), DeployPull, ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"git rev-parse HEAD",
		"git fetch origin main",
		"git fetch origin main",
		"git fetch origin main",
		"git merge --ff-only origin/main",
		"make build",
		"git rev-parse HEAD",
		"git reset --hard good",
		"make build",
	}
	if got := r.history(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected commands:\n%s", strings.Join(got, "\n"))
	}
	if r.head != "good" {
		t.Fatalf("expected rollback to good, head is %s", r.head)
	}
	if len(*codes) != 1 {
		t.Fatalf("expected terminate after rollback, got %v", *codes)
	}
}

func TestPullAbortsWhenFetchKeepsFailing(t *testing.T) {
	r := &scriptedRunner{head: "good", fail: map[string]int{"git fetch": 10}}
	d, codes, notes := newTestDeployer(t, r)

	if err := d.Run(context.Background(), DeployPull, ""); err == nil {
		t.Fatal("expected fetch error")
	}
	if len(*codes) != 0 {
		t.Fatalf("must not terminate when nothing changed, got %v", *codes)
	}
	if !strings.Contains((*notes)[len(*notes)-1], "aborted") {
		t.Fatalf("expected abort notification, got %v", *notes)
	}
}

func TestRebuildImageUsesImageCommand(t *testing.T) {
	r := &scriptedRunner{head: "abc"}
	d, _, _ := newTestDeployer(t, r)
	if err := d.Run(context.Background(), DeployRebuildImage, ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := r.history(); got[len(got)-1] != "make image" {
		t.Fatalf("expected image build, got %v", got)
	}
}

func TestTestBuildWritesResult(t *testing.T) {
	r := &scriptedRunner{release: make(chan struct{}), fail: map[string]int{"make build": 1}}
	d, codes, _ := newTestDeployer(t, r)
	path := filepath.Join(d.opts.IPCDir, "main", TestBuildFile)

	if err := d.TestBuild(context.Background(), "main"); err != nil {
		t.Fatalf("test build: %v", err)
	}
	var result TestBuildResult
	if ok, err := core.ReadJSON(path, &result); !ok || err != nil || result.Status != "running" {
		t.Fatalf("expected running artifact, got %+v %v %v", result, ok, err)
	}
	if err := d.TestBuild(context.Background(), "main"); !errors.Is(err, ErrBuildRunning) {
		t.Fatalf("expected ErrBuildRunning, got %v", err)
	}

	close(r.release)
	d.Wait()

	result = TestBuildResult{}
	if _, err := core.ReadJSON(path, &result); err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Status != "failure" || result.FinishedAt == nil || !strings.Contains(result.Output, "boom") {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(*codes) != 0 {
		t.Fatal("test build must not terminate")
	}

	if err := d.TestBuild(context.Background(), "main"); err != nil {
		t.Fatalf("second test build: %v", err)
	}
	d.Wait()
	if _, err := core.ReadJSON(path, &result); err != nil || result.Status != "success" {
		t.Fatalf("expected success, got %+v %v", result, err)
	}
}
