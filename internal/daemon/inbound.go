package daemon

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/queue"
	"github.com/adamavenir/roost/internal/router"
	"github.com/adamavenir/roost/internal/runner"
	"github.com/adamavenir/roost/internal/types"
)

const failureNotice = "Sorry, I ran into a problem handling that. Please try again."

func (d *Daemon) messageLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.pollMessages(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pollMessages advances the inbound watermark and hands each conversation's
// new messages to its running invocation or the queue.
func (d *Daemon) pollMessages(ctx context.Context) {
	if err := d.registry.Refresh(); err != nil {
		d.logger.Warn("refresh conversations failed", "error", err)
	}
	msgs, newest, err := db.GetNewMessages(d.store, d.registry.ChatIDs(), d.lastTimestamp)
	if err != nil {
		d.logger.Warn("poll messages failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	d.lastTimestamp = newest
	if err := db.SetLastTimestamp(d.store, newest); err != nil {
		d.logger.Warn("save watermark failed", "error", err)
	}

	var order []string
	byChat := map[string][]types.Message{}
	for _, msg := range msgs {
		if _, seen := byChat[msg.ChatID]; !seen {
			order = append(order, msg.ChatID)
		}
		byChat[msg.ChatID] = append(byChat[msg.ChatID], msg)
	}

	for _, chatID := range order {
		conv, ok := d.registry.Get(chatID)
		if !ok {
			continue
		}
		if !d.triggered(conv, byChat[chatID]) {
			d.logger.Debug("no trigger, waiting", "conversation", chatID)
			continue
		}
		d.deliver(ctx, conv)
	}
}

// triggered reports whether msgs should wake conv. The privileged
// conversation and conversations without requires_trigger always wake.
func (d *Daemon) triggered(conv types.Conversation, msgs []types.Message) bool {
	if conv.Privileged || !conv.RequiresTrigger {
		return true
	}
	trigger := conv.Trigger
	if trigger == "" {
		trigger = d.cfg.TriggerWord()
	}
	matcher := core.NewTriggerMatcher(trigger)
	for _, msg := range msgs {
		if matcher.Match(msg.Content) {
			return true
		}
	}
	return false
}

// deliver pipes pending messages into a live invocation, or enqueues a new
// one when nothing is accepting input.
func (d *Daemon) deliver(ctx context.Context, conv types.Conversation) {
	cursor, err := db.GetAgentCursor(d.store, conv.ChatID)
	if err != nil {
		d.logger.Warn("load cursor failed", "conversation", conv.ChatID, "error", err)
		return
	}
	pending, err := db.GetMessagesSince(d.store, conv.ChatID, cursor)
	if err != nil || len(pending) == 0 {
		return
	}

	if d.queue.SendMessage(conv.ChatID, router.FormatMessages(pending, d.cfg.Location)) {
		if err := db.SetAgentCursor(d.store, conv.ChatID, pending[len(pending)-1].TS); err != nil {
			d.logger.Warn("advance cursor failed", "conversation", conv.ChatID, "error", err)
		}
		d.logger.Debug("piped messages", "conversation", conv.ChatID, "count", len(pending))
		return
	}
	if err := d.queue.EnqueueMessages(conv.ChatID, d.messageWork(conv.ChatID)); err != nil && !errors.Is(err, queue.ErrShuttingDown) {
		d.logger.Warn("enqueue failed", "conversation", conv.ChatID, "error", err)
	}
}

// recoverPending enqueues conversations left with unprocessed messages by a
// previous run.
func (d *Daemon) recoverPending() {
	for _, conv := range d.registry.All() {
		cursor, err := db.GetAgentCursor(d.store, conv.ChatID)
		if err != nil {
			continue
		}
		pending, err := db.GetMessagesSince(d.store, conv.ChatID, cursor)
		if err != nil || len(pending) == 0 || !d.triggered(conv, pending) {
			continue
		}
		d.logger.Info("recovering pending messages", "conversation", conv.ChatID, "count", len(pending))
		if err := d.queue.EnqueueMessages(conv.ChatID, d.messageWork(conv.ChatID)); err != nil {
			d.logger.Warn("enqueue failed", "conversation", conv.ChatID, "error", err)
		}
	}
}

// messageWork is the queue entry that answers a conversation's pending
// messages.
func (d *Daemon) messageWork(chatID string) queue.Work {
	return func(ctx context.Context, slot *queue.Slot) error {
		conv, ok := d.registry.Get(chatID)
		if !ok {
			return nil
		}
		log := d.logger.With("conversation", chatID, "namespace", conv.Namespace())

		cursor, err := db.GetAgentCursor(d.store, chatID)
		if err != nil {
			return err
		}
		pending, err := db.GetMessagesSince(d.store, chatID, cursor)
		if err != nil {
			return err
		}
		if len(pending) == 0 || !d.triggered(conv, pending) {
			return nil
		}
		if err := db.SetAgentCursor(d.store, chatID, pending[len(pending)-1].TS); err != nil {
			return err
		}

		sessionID, err := db.GetSession(d.store, conv.Namespace())
		if err != nil {
			log.Warn("load session failed", "error", err)
		}
		slot.Attach(d.launcher.InputSink(conv))

		var delivered atomic.Bool
		onOutput := func(out runner.Output) {
			if out.Result != nil {
				if text := strings.TrimSpace(*out.Result); text != "" {
					if err := d.router.SendOutbound(ctx, chatID, text); err != nil {
						log.Warn("deliver output failed", "error", err)
					} else {
						delivered.Store(true)
					}
				}
			}
			if out.OK() {
				d.queue.CloseInput(chatID)
			}
		}

		result, runErr := d.launcher.Launch(ctx, runner.Request{
			Conversation: conv,
			Prompt:       router.FormatMessages(pending, d.cfg.Location),
			SessionID:    sessionID,
			Privileged:   conv.Privileged,
		}, onOutput)

		if err := db.RecordRun(d.store, result.Record(conv, types.RunKindMessages)); err != nil {
			log.Warn("record run failed", "error", err)
		}
		if result.SessionID != "" {
			if err := db.SetSession(d.store, conv.Namespace(), result.SessionID); err != nil {
				log.Warn("save session failed", "error", err)
			}
		}
		d.metrics.RecordInvocation(ctx, conv.Namespace(), string(types.RunKindMessages), string(result.Status), result.Duration)

		if runErr != nil && !delivered.Load() {
			if err := db.SetAgentCursor(d.store, chatID, cursor); err != nil {
				log.Warn("roll back cursor failed", "error", err)
			}
			if ctx.Err() == nil {
				if err := d.router.SendOutbound(context.WithoutCancel(ctx), chatID, failureNotice); err != nil {
					log.Warn("send failure notice failed", "error", err)
				}
			}
		}
		return runErr
	}
}
