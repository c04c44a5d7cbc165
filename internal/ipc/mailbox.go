package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/telemetry"
)

// Queue directories inside a namespace.
const (
	QueueMessages = "messages"
	QueueTasks    = "tasks"
)

// ErrorsDir holds requests that could not be processed.
const ErrorsDir = "errors"

// Mailbox outcomes reported to metrics.
const (
	outcomeOK           = "ok"
	outcomeMalformed    = "malformed"
	outcomeUnauthorized = "unauthorized"
	outcomeFailed       = "failed"
)

// MailboxOptions configure a Mailbox.
type MailboxOptions struct {
	Dir                 string
	PrivilegedNamespace string
	Visitor             Visitor
	Interval            time.Duration
	// Watch enables filesystem notifications in addition to polling.
	Watch   bool
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Mailbox scans namespace directories for request files and dispatches them.
// Each file is removed before its action runs, so a request executes at most
// once.
type Mailbox struct {
	opts   MailboxOptions
	logger *slog.Logger
	wake   chan struct{}
}

// NewMailbox creates a mailbox rooted at opts.Dir.
func NewMailbox(opts MailboxOptions) *Mailbox {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	return &Mailbox{
		opts:   opts,
		logger: logger.With("component", "mailbox"),
		wake:   make(chan struct{}, 1),
	}
}

// Wake requests a drain ahead of the next poll.
func (m *Mailbox) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drains the mailbox on every poll or wake until ctx is cancelled.
func (m *Mailbox) Run(ctx context.Context) error {
	if err := core.EnsureDir(filepath.Join(m.opts.Dir, ErrorsDir)); err != nil {
		return err
	}

	if m.opts.Watch {
		w, err := NewWatcher(m.opts.Dir, m.Wake, m.logger)
		if err != nil {
			m.logger.Warn("mailbox watcher unavailable, polling only", "error", err)
		} else {
			defer w.Close()
			go w.Run(ctx)
		}
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		m.Drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

// Drain processes every pending request once and returns how many files
// were consumed.
func (m *Mailbox) Drain(ctx context.Context) int {
	entries, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Error("read mailbox", "error", err)
		}
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() || !core.IsValidFolder(entry.Name()) {
			continue
		}
		ns := entry.Name()
		origin := Origin{Namespace: ns, Privileged: ns == m.opts.PrivilegedNamespace}
		for _, queue := range []string{QueueMessages, QueueTasks} {
			for _, path := range pendingFiles(filepath.Join(m.opts.Dir, ns, queue)) {
				if ctx.Err() != nil {
					return count
				}
				if m.process(ctx, origin, queue, path) {
					count++
				}
			}
		}
	}
	return count
}

// pendingFiles lists request files in name order. ReadDir sorts by name and
// request names start with a timestamp.
func pendingFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files
}

func (m *Mailbox) process(ctx context.Context, origin Origin, queue, path string) bool {
	logger := m.logger.With("namespace", origin.Namespace, "file", filepath.Base(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("read request", "error", err)
		}
		return false
	}

	action, forged, err := Decode(data)
	if err == nil {
		err = checkQueue(queue, action)
	}
	if err != nil {
		logger.Warn("malformed request", "error", err)
		m.quarantine(origin.Namespace, path, data, err)
		m.opts.Metrics.RecordMailbox(ctx, origin.Namespace, "unknown", outcomeMalformed)
		return true
	}

	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			logger.Error("consume request", "error", err)
		}
		return false
	}

	logger = logger.With("action", action.Type())
	if len(forged) > 0 {
		logger.Warn("ignoring identity fields in request", "fields", forged)
	}

	err = Dispatch(ctx, origin, action, m.opts.Visitor)
	switch {
	case err == nil:
		logger.Debug("request handled")
		m.opts.Metrics.RecordMailbox(ctx, origin.Namespace, action.Type(), outcomeOK)
	case errors.Is(err, ErrUnauthorized):
		logger.Warn("request denied", "error", err)
		m.opts.Metrics.RecordMailbox(ctx, origin.Namespace, action.Type(), outcomeUnauthorized)
	default:
		logger.Error("request failed", "error", err)
		m.quarantine(origin.Namespace, path, data, err)
		outcome := outcomeFailed
		if errors.Is(err, ErrMalformed) {
			outcome = outcomeMalformed
		}
		m.opts.Metrics.RecordMailbox(ctx, origin.Namespace, action.Type(), outcome)
	}
	return true
}

func checkQueue(queue string, action Action) error {
	isMessage := action.Type() == TypeSendMessage
	if (queue == QueueMessages) != isMessage {
		return fmt.Errorf("%w: %s does not belong in %s/", ErrMalformed, action.Type(), queue)
	}
	return nil
}

// quarantine moves a request into the errors directory with a sidecar
// describing why. The original is removed even when the copy fails, so a
// bad request is never read twice.
func (m *Mailbox) quarantine(ns, path string, data []byte, cause error) {
	dest := filepath.Join(m.opts.Dir, ErrorsDir, ns+"-"+filepath.Base(path))
	if err := core.WriteFileAtomic(dest, data); err != nil {
		m.logger.Error("quarantine request, dropping it", "file", path, "error", err, "cause", cause.Error(), "payload", string(data))
	} else if err := core.WriteFileAtomic(dest+".error", []byte(cause.Error()+"\n")); err != nil {
		m.logger.Warn("write quarantine reason", "file", dest, "error", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Error("remove quarantined request", "file", path, "error", err)
	}
}
