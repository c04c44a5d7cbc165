package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adamavenir/roost/internal/core"
	"github.com/cenkalti/backoff/v4"
)

// DeployKind names a destructive admin operation.
type DeployKind string

const (
	DeployRestart      DeployKind = "restart-process"
	DeployRebuildImage DeployKind = "rebuild-image"
	DeployPull         DeployKind = "pull-and-deploy"
)

// TestBuildFile is the per-namespace artifact written by test-build.
const TestBuildFile = "test_build_result.json"

const outputTail = 4096

// ErrBuildRunning is returned when a test build is already in progress.
var ErrBuildRunning = errors.New("test build already running")

// CommandRunner runs argv in dir and returns combined output.
type CommandRunner func(ctx context.Context, dir string, argv []string) (string, error)

// TestBuildResult is the pollable test-build artifact.
type TestBuildResult struct {
	Status     string     `json:"status"` // running, success, failure
	Output     string     `json:"output,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DeployerOptions configure a Deployer.
type DeployerOptions struct {
	Config core.DeployConfig
	Root   string // project checkout that is built and rolled back
	IPCDir string
	Runner CommandRunner
	// Notify reports progress to the privileged conversation.
	Notify func(ctx context.Context, text string)
	// Terminate drains in-flight work and exits with code.
	Terminate func(code int)
	// NewBackOff returns the retry policy for fetching the remote.
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
}

// Deployer performs the build, rollback and restart behind the admin actions.
type Deployer struct {
	opts   DeployerOptions
	logger *slog.Logger

	mu       sync.Mutex
	building bool
	wg       sync.WaitGroup
}

// NewDeployer creates a deployer.
func NewDeployer(opts DeployerOptions) *Deployer {
	if opts.Runner == nil {
		opts.Runner = execRunner
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 2 * time.Minute
			return bo
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	return &Deployer{opts: opts, logger: logger.With("component", "deploy")}
}

func execRunner(ctx context.Context, dir string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Run performs kind. Destructive operations end by terminating the process,
// including after a failed build that was rolled back.
func (d *Deployer) Run(ctx context.Context, kind DeployKind, reason string) error {
	if d.opts.Terminate == nil {
		return fmt.Errorf("%s: no terminate hook configured", kind)
	}
	msg := fmt.Sprintf("Starting %s", kind)
	if reason != "" {
		msg += ": " + reason
	}
	d.notify(ctx, msg)

	good, err := d.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		d.logger.Warn("could not resolve current revision", "error", err)
	}

	if kind == DeployPull {
		if err := d.pull(ctx); err != nil {
			d.notify(ctx, fmt.Sprintf("%s aborted: %v", kind, err))
			return fmt.Errorf("%s: %w", kind, err)
		}
	}

	build := d.opts.Config.BuildCommand
	if kind == DeployRebuildImage {
		build = d.opts.Config.ImageBuildCommand
	}
	if out, err := d.opts.Runner(ctx, d.opts.Root, build); err != nil {
		d.logger.Error("build failed", "kind", kind, "error", err, "output", tail(out))
		d.notify(ctx, fmt.Sprintf("%s build failed, rolling back: %v", kind, err))
		d.rollback(ctx, good, build)
	} else {
		d.notify(ctx, fmt.Sprintf("%s complete, restarting", kind))
	}

	d.logger.Info("terminating for deploy", "kind", kind)
	d.opts.Terminate(0)
	return nil
}

func (d *Deployer) pull(ctx context.Context) error {
	remote, branch := d.opts.Config.Remote, d.opts.Config.Branch
	fetch := func() error {
		_, err := d.git(ctx, "fetch", remote, branch)
		if err != nil {
			d.logger.Warn("fetch failed", "remote", remote, "error", err)
		}
		return err
	}
	if err := backoff.Retry(fetch, backoff.WithContext(d.opts.NewBackOff(), ctx)); err != nil {
		return fmt.Errorf("fetch %s: %w", remote, err)
	}
	if _, err := d.git(ctx, "merge", "--ff-only", remote+"/"+branch); err != nil {
		return fmt.Errorf("merge %s/%s: %w", remote, branch, err)
	}
	return nil
}

// rollback restores the last good revision and rebuilds it. Failures are
// logged; the caller terminates regardless.
func (d *Deployer) rollback(ctx context.Context, good string, build []string) {
	if good == "" {
		d.logger.Error("rollback skipped: no known good revision")
		return
	}
	head, _ := d.git(ctx, "rev-parse", "HEAD")
	if head != good {
		if _, err := d.git(ctx, "reset", "--hard", good); err != nil {
			d.logger.Error("rollback failed", "revision", good, "error", err)
			return
		}
	}
	if out, err := d.opts.Runner(ctx, d.opts.Root, build); err != nil {
		d.logger.Error("rollback build failed", "revision", good, "error", err, "output", tail(out))
		return
	}
	d.logger.Info("rolled back", "revision", good)
}

func (d *Deployer) git(ctx context.Context, args ...string) (string, error) {
	out, err := d.opts.Runner(ctx, d.opts.Root, append([]string{"git"}, args...))
	return strings.TrimSpace(out), err
}

// TestBuild starts a build without restarting and records its progress in
// the namespace's result file. Only one test build runs at a time.
func (d *Deployer) TestBuild(ctx context.Context, ns string) error {
	d.mu.Lock()
	if d.building {
		d.mu.Unlock()
		return ErrBuildRunning
	}
	d.building = true
	d.mu.Unlock()

	path := filepath.Join(d.opts.IPCDir, ns, TestBuildFile)
	result := TestBuildResult{Status: "running", StartedAt: time.Now().UTC()}
	if err := core.WriteJSONAtomic(path, result); err != nil {
		d.finishBuild()
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.finishBuild()

		out, err := d.opts.Runner(context.WithoutCancel(ctx), d.opts.Root, d.opts.Config.BuildCommand)
		finished := time.Now().UTC()
		result.FinishedAt = &finished
		result.Output = tail(out)
		result.Status = "success"
		if err != nil {
			result.Status = "failure"
			if result.Output == "" {
				result.Output = err.Error()
			}
		}
		if werr := core.WriteJSONAtomic(path, result); werr != nil {
			d.logger.Error("write test build result", "path", path, "error", werr)
		}
		d.logger.Info("test build finished", "namespace", ns, "status", result.Status)
	}()
	return nil
}

// Wait blocks until any running test build has finished.
func (d *Deployer) Wait() {
	d.wg.Wait()
}

func (d *Deployer) finishBuild() {
	d.mu.Lock()
	d.building = false
	d.mu.Unlock()
}

func (d *Deployer) notify(ctx context.Context, text string) {
	d.logger.Info(text)
	if d.opts.Notify != nil {
		d.opts.Notify(ctx, text)
	}
}

func tail(s string) string {
	if len(s) <= outputTail {
		return s
	}
	return s[len(s)-outputTail:]
}
