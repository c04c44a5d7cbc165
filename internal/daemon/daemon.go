// Package daemon runs the long-lived host process: the inbound message loop,
// the mailbox, the scheduler and the group queue they share.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/ipc"
	"github.com/adamavenir/roost/internal/queue"
	"github.com/adamavenir/roost/internal/registry"
	"github.com/adamavenir/roost/internal/router"
	"github.com/adamavenir/roost/internal/runner"
	"github.com/adamavenir/roost/internal/scheduler"
	"github.com/adamavenir/roost/internal/telemetry"
)

// DefaultShutdownGrace bounds how long shutdown waits for running invocations.
const DefaultShutdownGrace = 10 * time.Second

// LockInfo represents the daemon lock file contents.
type LockInfo struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at"`
}

// ExitError is returned by Run when an admin action asked the process to
// exit with a specific code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("terminated with code %d", e.Code)
}

// Launcher runs invocations.
type Launcher = scheduler.Launcher

// Options customise a daemon. Zero values select the production defaults.
type Options struct {
	Launcher      Launcher
	Channels      []router.Channel
	DeployRunner  ipc.CommandRunner
	ShutdownGrace time.Duration
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

// Daemon owns the shared state of the host process.
type Daemon struct {
	cfg       core.Config
	store     *sql.DB
	registry  *registry.Table
	router    *router.Router
	queue     *queue.GroupQueue
	launcher  Launcher
	snapshots *runner.Snapshots
	mailbox   *ipc.Mailbox
	deployer  *ipc.Deployer
	scheduler *scheduler.Scheduler
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	grace     time.Duration

	lastTimestamp int64

	mu       sync.Mutex
	cancel   context.CancelFunc
	exitCode *int
}

// New wires a daemon from configuration and an open store.
func New(cfg core.Config, store *sql.DB, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	d := &Daemon{
		cfg:      cfg,
		store:    store,
		registry: registry.New(store, cfg.PrivilegedNamespace),
		queue:    queue.New(cfg.Container.MaxConcurrent, logger),
		metrics:  opts.Metrics,
		logger:   logger.With("component", "daemon"),
		grace:    grace,
	}

	channels := append([]router.Channel{router.NewLocalChannel(store, cfg.AssistantName)}, opts.Channels...)
	d.router = router.New(logger, channels...)
	d.snapshots = runner.NewSnapshots(store, d.registry, cfg.IPCDir())

	d.launcher = opts.Launcher
	if d.launcher == nil {
		launcher, err := runner.NewLauncher(cfg, runner.Options{Snapshots: d.snapshots, Logger: logger})
		if err != nil {
			return nil, err
		}
		d.launcher = launcher
	}

	d.deployer = ipc.NewDeployer(ipc.DeployerOptions{
		Config:    cfg.Deploy,
		Root:      cfg.ProjectRoot,
		IPCDir:    cfg.IPCDir(),
		Runner:    opts.DeployRunner,
		Notify:    d.notifyPrivileged,
		Terminate: d.Terminate,
		Logger:    logger,
	})
	handler := ipc.NewHandler(ipc.HandlerDeps{
		Store:          store,
		Registry:       d.registry,
		Outbound:       d.router,
		Syncer:         d.router,
		Snapshots:      d.snapshots,
		Deployer:       d.deployer,
		GroupsDir:      cfg.GroupsDir,
		DefaultTrigger: cfg.TriggerWord(),
		Location:       cfg.Location,
		Logger:         logger,
	})
	d.mailbox = ipc.NewMailbox(ipc.MailboxOptions{
		Dir:                 cfg.IPCDir(),
		PrivilegedNamespace: cfg.PrivilegedNamespace,
		Visitor:             handler,
		Interval:            cfg.IPCPollInterval,
		Watch:               true,
		Metrics:             opts.Metrics,
		Logger:              logger,
	})
	d.scheduler = scheduler.New(scheduler.Deps{
		Store:    store,
		Registry: d.registry,
		Queue:    d.queue,
		Launcher: d.launcher,
		Outbound: d.router,
		Metrics:  opts.Metrics,
		Logger:   logger,
	}, cfg.SchedulerInterval, cfg.Location)
	return d, nil
}

// Router returns the outbound router.
func (d *Daemon) Router() *router.Router {
	return d.router
}

// Run holds the lock and serves until ctx is cancelled or Terminate is
// called. Running invocations get the shutdown grace period to finish.
func (d *Daemon) Run(ctx context.Context) error {
	if err := acquireLock(d.cfg.LockPath()); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := os.Remove(d.cfg.LockPath()); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("release lock failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	if d.exitCode != nil {
		cancel()
	}
	d.mu.Unlock()

	if err := d.registry.Refresh(); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	if _, ok := d.registry.Privileged(); !ok {
		d.logger.Warn("privileged conversation not registered", "namespace", d.cfg.PrivilegedNamespace)
	}
	ts, err := db.GetLastTimestamp(d.store)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	d.lastTimestamp = ts

	d.logger.Info("daemon started",
		"conversations", len(d.registry.All()),
		"max_concurrent", d.cfg.Container.MaxConcurrent,
		"poll_interval", d.cfg.PollInterval)
	d.recoverPending()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.messageLoop(gctx) })
	g.Go(func() error { return d.mailbox.Run(gctx) })
	g.Go(func() error { return d.scheduler.Run(gctx) })
	runErr := g.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), d.grace)
	defer stop()
	if err := d.queue.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("invocations cancelled at shutdown", "error", err)
	}
	d.deployer.Wait()
	d.logger.Info("daemon stopped")

	d.mu.Lock()
	code := d.exitCode
	d.mu.Unlock()
	if code != nil {
		return &ExitError{Code: *code}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// Terminate stops the daemon so that Run returns an ExitError with code.
func (d *Daemon) Terminate(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exitCode == nil {
		d.exitCode = &code
	}
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) notifyPrivileged(ctx context.Context, text string) {
	conv, ok := d.registry.Privileged()
	if !ok {
		return
	}
	if err := d.router.SendOutbound(ctx, conv.ChatID, text); err != nil {
		d.logger.Warn("notify privileged conversation failed", "error", err)
	}
}

// acquireLock creates the lock file, replacing a stale one.
func acquireLock(path string) error {
	if info, err := ReadLock(path); err == nil && info != nil {
		if processAlive(info.PID) {
			return fmt.Errorf("daemon already running (pid %d)", info.PID)
		}
	}
	if err := core.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.Marshal(LockInfo{PID: os.Getpid(), StartedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadLock returns the lock file contents, or nil when there is no lock.
func ReadLock(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Running reports whether the lock at path belongs to a live process.
func Running(path string) (*LockInfo, bool) {
	info, err := ReadLock(path)
	if err != nil || info == nil {
		return nil, false
	}
	return info, processAlive(info.PID)
}

func processAlive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}
