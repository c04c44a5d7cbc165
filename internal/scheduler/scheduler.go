package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/queue"
	"github.com/adamavenir/roost/internal/registry"
	"github.com/adamavenir/roost/internal/router"
	"github.com/adamavenir/roost/internal/runner"
	"github.com/adamavenir/roost/internal/telemetry"
	"github.com/adamavenir/roost/internal/types"
)

// historyLimit is how many recent messages a conversation-mode task sees.
const historyLimit = 20

// Launcher runs one invocation.
type Launcher interface {
	Launch(ctx context.Context, req runner.Request, onOutput func(runner.Output)) (runner.Result, error)
	InputSink(conv types.Conversation) *runner.FileInput
}

// Queue accepts task work for a conversation.
type Queue interface {
	EnqueueTask(chatID, taskID string, work queue.Work) error
	CloseInput(chatID string)
}

// Outbound delivers text to a conversation.
type Outbound interface {
	SendOutbound(ctx context.Context, chatID, text string, attachments ...router.Attachment) error
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Store    *sql.DB
	Registry *registry.Table
	Queue    Queue
	Launcher Launcher
	Outbound Outbound
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Scheduler selects due tasks each tick and dispatches them through the
// group queue.
type Scheduler struct {
	deps     Deps
	interval time.Duration
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	warned map[string]bool // task ids whose missing owner was logged
}

// New creates a scheduler polling every interval. Schedules are evaluated in loc.
func New(deps Deps, interval time.Duration, loc *time.Location) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		deps:     deps,
		interval: interval,
		loc:      loc,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		warned:   map[string]bool{},
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "timezone", s.loc.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due task and returns how many were enqueued.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	due, err := db.GetDueTasks(s.deps.Store, now)
	if err != nil {
		s.logger.Warn("load due tasks failed", "error", err)
		return 0
	}

	fired := 0
	for _, task := range due {
		if s.dispatch(ctx, task, now) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) dispatch(ctx context.Context, task types.Task, now time.Time) bool {
	log := s.logger.With("task", task.ID, "namespace", task.Owner)

	conv, ok := s.deps.Registry.ByNamespace(task.Owner)
	if !ok {
		s.warnMissingOwner(task)
		return false
	}

	// Advance before running so a long run is never selected twice.
	next, err := NextRun(task, now, s.loc)
	if err != nil {
		log.Error("unschedulable task paused", "error", err)
		if err := db.SetTaskStatus(s.deps.Store, task.ID, types.TaskPaused); err != nil {
			log.Warn("pause failed", "error", err)
		}
		return false
	}
	if err := db.AdvanceTask(s.deps.Store, task.ID, next); err != nil {
		log.Warn("advance failed", "error", err)
		return false
	}

	// Conversations are routed by the owner namespace, not the stored chat id.
	if err := s.deps.Queue.EnqueueTask(conv.ChatID, task.ID, s.work(task, conv)); err != nil {
		log.Warn("enqueue failed", "error", err)
		return false
	}
	s.deps.Metrics.RecordTaskFiring(ctx, conv.Namespace(), string(task.ScheduleType))
	log.Info("task dispatched", "schedule_type", task.ScheduleType, "next_run", next)
	return true
}

func (s *Scheduler) warnMissingOwner(task types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warned[task.ID] {
		return
	}
	s.warned[task.ID] = true
	s.logger.Warn("task owner not registered, skipping", "task", task.ID, "namespace", task.Owner)
}

// work returns the queue entry that runs one firing of task.
func (s *Scheduler) work(task types.Task, conv types.Conversation) queue.Work {
	return func(ctx context.Context, slot *queue.Slot) error {
		log := s.logger.With("task", task.ID, "namespace", conv.Namespace())

		prompt := task.Prompt
		var sessionID string
		if task.ContextMode == types.ContextConversation {
			recent, err := db.GetRecentMessages(s.deps.Store, conv.ChatID, historyLimit)
			if err != nil {
				log.Warn("load history failed", "error", err)
			}
			if len(recent) > 0 {
				prompt = router.FormatMessages(recent, s.loc) + "\n\n" + task.Prompt
			}
			sessionID, err = db.GetSession(s.deps.Store, conv.Namespace())
			if err != nil {
				log.Warn("load session failed", "error", err)
			}
			slot.Attach(s.deps.Launcher.InputSink(conv))
		}

		var (
			mu      sync.Mutex
			results []string
		)
		onOutput := func(out runner.Output) {
			if out.Result != nil && strings.TrimSpace(*out.Result) != "" {
				mu.Lock()
				results = append(results, *out.Result)
				mu.Unlock()
				if err := s.deps.Outbound.SendOutbound(ctx, conv.ChatID, *out.Result); err != nil {
					log.Warn("deliver task output failed", "error", err)
				}
			}
			if out.OK() {
				s.deps.Queue.CloseInput(conv.ChatID)
			}
		}

		result, runErr := s.deps.Launcher.Launch(ctx, runner.Request{
			Conversation:  conv,
			Prompt:        prompt,
			SessionID:     sessionID,
			Privileged:    conv.Privileged,
			ScheduledTask: true,
		}, onOutput)

		mu.Lock()
		summary := strings.Join(results, "\n")
		mu.Unlock()

		s.record(ctx, task, conv, result, summary, runErr)
		return runErr
	}
}

func (s *Scheduler) record(ctx context.Context, task types.Task, conv types.Conversation, result runner.Result, summary string, runErr error) {
	log := s.logger.With("task", task.ID, "namespace", conv.Namespace())

	entry := types.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      result.StartedAt,
		DurationMs: result.Duration.Milliseconds(),
		Status:     result.Status,
	}
	if summary != "" {
		entry.Result = &summary
	}
	if runErr != nil {
		msg := runErr.Error()
		entry.Error = &msg
		if errors.Is(runErr, runner.ErrTimeout) {
			entry.Status = types.RunTimeout
		}
	}
	if err := db.RecordTaskRun(s.deps.Store, entry); err != nil {
		log.Warn("record task run failed", "error", err)
	}
	if err := db.RecordRun(s.deps.Store, result.Record(conv, types.RunKindTask)); err != nil {
		log.Warn("record run failed", "error", err)
	}
	if task.ContextMode == types.ContextConversation && result.SessionID != "" {
		if err := db.SetSession(s.deps.Store, conv.Namespace(), result.SessionID); err != nil {
			log.Warn("save session failed", "error", err)
		}
	}
	s.deps.Metrics.RecordInvocation(ctx, conv.Namespace(), string(types.RunKindTask), string(entry.Status), result.Duration)
}
