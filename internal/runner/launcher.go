// Package runner launches isolated agent invocations under watchdogs.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/types"
)

// ErrTimeout is returned when a watchdog stopped the invocation.
var ErrTimeout = errors.New("invocation timed out")

// Environment passed to every invocation.
const (
	EnvChatID    = "ROOST_CHAT_ID"
	EnvNamespace = "ROOST_NAMESPACE"
)

// waitDelay bounds how long Wait blocks on output pipes after a kill.
const waitDelay = 2 * time.Second

// Stopper is implemented by builders that need an extra step to stop a run,
// such as removing a container the engine keeps alive after its client dies.
type Stopper interface {
	Stop(name string) error
}

// Request is one invocation to launch.
type Request struct {
	Conversation  types.Conversation
	Prompt        string
	SessionID     string
	Privileged    bool // captured when the work was enqueued
	ScheduledTask bool
}

// Result describes how an invocation ended.
type Result struct {
	Name          string
	Status        types.RunStatus
	SessionID     string // last session id reported by the agent
	Outputs       int
	StartedAt     time.Time
	Duration      time.Duration
	ExitCode      int
	TimeoutReason string
	Stdout        string // tail
	Stderr        string // tail
}

// Options configures a Launcher.
type Options struct {
	Builder   CommandBuilder
	Snapshots SnapshotWriter
	Logger    *slog.Logger
}

// Launcher prepares workspaces and runs invocations.
type Launcher struct {
	cfg       core.Config
	policy    *MountPolicy
	builder   CommandBuilder
	snapshots SnapshotWriter
	logger    *slog.Logger
}

// NewLauncher builds a launcher. Without a builder, invocations run in the
// configured container engine.
func NewLauncher(cfg core.Config, opts Options) (*Launcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	logger = logger.With("component", "runner")

	policy, err := NewMountPolicy(cfg, logger)
	if err != nil {
		return nil, err
	}
	builder := opts.Builder
	if builder == nil {
		builder = EngineBuilder{Engine: cfg.Container.Engine, Image: cfg.Container.Image}
	}
	return &Launcher{
		cfg:       cfg,
		policy:    policy,
		builder:   builder,
		snapshots: opts.Snapshots,
		logger:    logger,
	}, nil
}

// Policy returns the mount policy used for invocations.
func (l *Launcher) Policy() *MountPolicy {
	return l.policy
}

// InputSink returns the live input channel for a conversation's invocation.
func (l *Launcher) InputSink(conv types.Conversation) *FileInput {
	return NewFileInput(filepath.Join(l.policy.IPCDir(conv), "input"))
}

// Prepare creates the workspace directories of a conversation.
func (l *Launcher) Prepare(conv types.Conversation) error {
	ipc := l.policy.IPCDir(conv)
	dirs := []string{
		l.policy.GroupDir(conv),
		l.policy.SessionDir(conv),
		filepath.Join(ipc, "messages"),
		filepath.Join(ipc, "tasks"),
	}
	for _, dir := range dirs {
		if err := core.EnsureDir(dir); err != nil {
			return fmt.Errorf("prepare %s: %w", dir, err)
		}
	}
	return resetInputDir(filepath.Join(ipc, "input"))
}

// Timeout returns the absolute timeout for a conversation.
func (l *Launcher) Timeout(conv types.Conversation) time.Duration {
	if conv.Container != nil && conv.Container.TimeoutMs > 0 {
		return time.Duration(conv.Container.TimeoutMs) * time.Millisecond
	}
	return l.cfg.InvocationTimeout
}

// Launch runs one invocation to completion. onOutput is called for each
// framed result as it arrives. A non-nil error always accompanies a
// non-success status; watchdog kills wrap ErrTimeout.
func (l *Launcher) Launch(ctx context.Context, req Request, onOutput func(Output)) (Result, error) {
	conv := req.Conversation
	log := l.logger.With("conversation", conv.ChatID, "namespace", conv.Namespace())

	result := Result{
		Name:      invocationName(conv),
		Status:    types.RunError,
		SessionID: req.SessionID,
		StartedAt: time.Now(),
	}

	if err := l.Prepare(conv); err != nil {
		return result, err
	}
	if l.snapshots != nil {
		if err := l.snapshots.WriteAll(conv, req.Privileged); err != nil {
			log.Warn("snapshot write failed", "error", err)
		}
	}

	input, err := json.Marshal(Input{
		Prompt:        req.Prompt,
		SessionID:     req.SessionID,
		Conversation:  conv.Name,
		Namespace:     conv.Namespace(),
		Privileged:    req.Privileged,
		ScheduledTask: req.ScheduledTask,
	})
	if err != nil {
		return result, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	env := map[string]string{
		EnvChatID:    conv.ChatID,
		EnvNamespace: conv.Namespace(),
	}
	if l.cfg.Location != nil {
		env["TZ"] = l.cfg.Location.String()
	}
	cmd, err := l.builder.Build(runCtx, Spec{
		Name:         result.Name,
		Conversation: conv,
		Mounts:       l.policy.Mounts(conv, req.Privileged),
		Env:          env,
	})
	if err != nil {
		return result, fmt.Errorf("build command: %w", err)
	}

	var (
		outMu       sync.Mutex
		failedFrame string
	)
	frames := newFrameWriter(func(out Output) {
		outMu.Lock()
		result.Outputs++
		if out.SessionID != "" {
			result.SessionID = out.SessionID
		}
		if !out.OK() {
			failedFrame = out.Error
		}
		outMu.Unlock()
		if onOutput != nil {
			onOutput(out)
		}
	}, func(raw string, err error) {
		log.Warn("unparseable output frame", "error", err, "bytes", len(raw))
	})

	stdoutTail := NewTailBuffer(tailSize)
	stderrTail := NewTailBuffer(tailSize)
	dog := newWatchdog(l.Timeout(conv), l.cfg.IdleTimeout)

	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = io.MultiWriter(stdoutTail, dog, frames)
	cmd.Stderr = io.MultiWriter(stderrTail, dog)
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = waitDelay
	}
	configureProcess(cmd)

	log.Info("starting invocation", "name", result.Name, "privileged", req.Privileged, "scheduled", req.ScheduledTask)
	if err := cmd.Start(); err != nil {
		return result, fmt.Errorf("start invocation: %w", err)
	}

	dogDone := make(chan struct{})
	go func() {
		defer close(dogDone)
		dog.run(runCtx, cancel)
	}()

	waitErr := cmd.Wait()
	cancel()
	<-dogDone

	outMu.Lock()
	defer outMu.Unlock()

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdoutTail.String()
	result.Stderr = stderrTail.String()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if reason := dog.Reason(); reason != "" {
		if stopper, ok := l.builder.(Stopper); ok {
			if err := stopper.Stop(result.Name); err != nil {
				log.Warn("stop after timeout failed", "name", result.Name, "error", err)
			}
		}
		result.Status = types.RunTimeout
		result.TimeoutReason = reason
		log.Warn("invocation killed", "reason", reason, "duration", result.Duration)
		return result, fmt.Errorf("%w: %s after %s", ErrTimeout, reason, result.Duration.Round(time.Millisecond))
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if waitErr != nil {
		log.Warn("invocation failed", "exit_code", result.ExitCode, "stderr", lastLine(result.Stderr))
		return result, fmt.Errorf("invocation exited: %w", waitErr)
	}

	if failedFrame != "" {
		return result, fmt.Errorf("agent reported error: %s", failedFrame)
	}
	result.Status = types.RunSuccess
	log.Info("invocation finished", "duration", result.Duration, "outputs", result.Outputs)
	return result, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// Record converts a result into the usage-statistics row for conv.
func (r Result) Record(conv types.Conversation, kind types.RunKind) types.RunRecord {
	return types.RunRecord{
		ID:         r.Name,
		ChatID:     conv.ChatID,
		Namespace:  conv.Namespace(),
		Kind:       kind,
		StartedAt:  r.StartedAt.UnixMilli(),
		DurationMs: r.Duration.Milliseconds(),
		Status:     r.Status,
	}
}
