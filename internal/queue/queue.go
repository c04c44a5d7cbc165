// Package queue serializes invocations per conversation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/adamavenir/roost/internal/core"
)

// ErrShuttingDown is returned by Enqueue once Shutdown has been called.
var ErrShuttingDown = errors.New("queue shutting down")

// Work runs one invocation for a conversation. The slot lets the work attach
// a live input sink so later messages can be piped in while it runs.
type Work func(ctx context.Context, slot *Slot) error

type entryKind int

const (
	entryPlain entryKind = iota
	entryMessages
	entryTask
)

type entry struct {
	kind   entryKind
	taskID string
	work   Work
}

type convState struct {
	active     bool
	waiting    bool // parked on the global wait list
	slot       *Slot
	runningTID string
	pending    []entry
}

// GroupQueue guarantees at most one active invocation per conversation and
// caps the number of concurrent invocations across all conversations.
type GroupQueue struct {
	logger        *slog.Logger
	maxConcurrent int

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	convs       map[string]*convState
	waitList    []string
	activeCount int
	closed      bool
	wg          sync.WaitGroup
}

// New creates a queue that runs at most maxConcurrent invocations at once.
func New(maxConcurrent int, logger *slog.Logger) *GroupQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = core.DiscardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		logger:        logger.With("component", "queue"),
		maxConcurrent: maxConcurrent,
		ctx:           ctx,
		cancel:        cancel,
		convs:         map[string]*convState{},
	}
}

// Enqueue appends work for chatID, starting it immediately when the
// conversation is idle and a global slot is free.
func (q *GroupQueue) Enqueue(chatID string, work Work) error {
	return q.push(chatID, entry{kind: entryPlain, work: work})
}

// EnqueueMessages schedules a check of outstanding messages for chatID.
// At most one such check is pending per conversation.
func (q *GroupQueue) EnqueueMessages(chatID string, work Work) error {
	return q.push(chatID, entry{kind: entryMessages, work: work})
}

// EnqueueTask schedules a task run. A task id already pending or running for
// the conversation is ignored.
func (q *GroupQueue) EnqueueTask(chatID, taskID string, work Work) error {
	if taskID == "" {
		return fmt.Errorf("enqueue task for %s: empty task id", chatID)
	}
	return q.push(chatID, entry{kind: entryTask, taskID: taskID, work: work})
}

func (q *GroupQueue) push(chatID string, e entry) error {
	if e.work == nil {
		return fmt.Errorf("enqueue for %s: nil work", chatID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}

	state := q.state(chatID)
	switch e.kind {
	case entryMessages:
		for _, p := range state.pending {
			if p.kind == entryMessages {
				return nil
			}
		}
	case entryTask:
		if state.runningTID == e.taskID {
			return nil
		}
		for _, p := range state.pending {
			if p.kind == entryTask && p.taskID == e.taskID {
				return nil
			}
		}
	}

	state.pending = append(state.pending, e)
	if state.active || state.waiting {
		q.logger.Debug("queued", "conversation", chatID, "pending", len(state.pending))
		return nil
	}
	q.dispatchLocked(chatID, state)
	return nil
}

// SendMessage pipes text into the active invocation for chatID. It returns
// false when nothing is running, no input sink is attached, or the run has
// begun shutting down; the caller should fall back to enqueueing.
func (q *GroupQueue) SendMessage(chatID, text string) bool {
	q.mu.Lock()
	state, ok := q.convs[chatID]
	var slot *Slot
	if ok && state.active {
		slot = state.slot
	}
	q.mu.Unlock()

	if slot == nil {
		return false
	}
	if err := slot.send(text); err != nil {
		q.logger.Debug("pipe rejected", "conversation", chatID, "error", err)
		return false
	}
	return true
}

// CloseInput tells the active invocation for chatID that no more input will
// arrive. Further SendMessage calls fail until the next run starts.
func (q *GroupQueue) CloseInput(chatID string) {
	q.mu.Lock()
	state, ok := q.convs[chatID]
	var slot *Slot
	if ok && state.active {
		slot = state.slot
	}
	q.mu.Unlock()

	if slot != nil {
		if err := slot.closeInput(); err != nil {
			q.logger.Warn("close input failed", "conversation", chatID, "error", err)
		}
	}
}

// Active reports whether an invocation is running for chatID.
func (q *GroupQueue) Active(chatID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.convs[chatID]
	return ok && state.active
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Active  int
	Waiting int
	Pending int
}

// Stats returns counts of running, globally waiting and pending entries.
func (q *GroupQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{Active: q.activeCount, Waiting: len(q.waitList)}
	for _, state := range q.convs {
		stats.Pending += len(state.pending)
	}
	return stats
}

// Shutdown stops accepting work, drops pending entries and waits for active
// runs. If ctx ends first, active runs are cancelled and ctx.Err is returned.
func (q *GroupQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	dropped := 0
	for _, state := range q.convs {
		dropped += len(state.pending)
		state.pending = nil
		state.waiting = false
	}
	q.waitList = nil
	active := q.activeCount
	q.mu.Unlock()

	q.logger.Info("shutting down", "active", active, "dropped", dropped)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *GroupQueue) state(chatID string) *convState {
	state, ok := q.convs[chatID]
	if !ok {
		state = &convState{}
		q.convs[chatID] = state
	}
	return state
}

// dispatchLocked starts the head entry for chatID or parks the conversation
// on the wait list when the global cap is reached. q.mu must be held.
func (q *GroupQueue) dispatchLocked(chatID string, state *convState) {
	if len(state.pending) == 0 || state.active {
		return
	}
	if q.activeCount >= q.maxConcurrent {
		if !state.waiting {
			state.waiting = true
			q.waitList = append(q.waitList, chatID)
			q.logger.Debug("at concurrency limit", "conversation", chatID, "active", q.activeCount)
		}
		return
	}

	e := state.pending[0]
	state.pending = state.pending[1:]
	state.active = true
	state.waiting = false
	state.slot = &Slot{chatID: chatID}
	state.runningTID = e.taskID
	q.activeCount++
	q.wg.Add(1)

	go q.run(chatID, state.slot, e)
}

func (q *GroupQueue) run(chatID string, slot *Slot, e entry) {
	defer q.wg.Done()
	defer q.finish(chatID, slot)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("work panicked", "conversation", chatID, "panic", r)
		}
	}()

	if err := e.work(q.ctx, slot); err != nil {
		q.logger.Warn("work failed", "conversation", chatID, "task", e.taskID, "error", err)
	}
}

// finish is the single completion path for success, error and panic.
func (q *GroupQueue) finish(chatID string, slot *Slot) {
	slot.markDone()

	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.pruneLocked(chatID)

	state := q.state(chatID)
	state.active = false
	state.slot = nil
	state.runningTID = ""
	q.activeCount--

	if q.closed {
		return
	}

	if len(state.pending) > 0 {
		if len(q.waitList) == 0 {
			q.dispatchLocked(chatID, state)
			return
		}
		// Others are waiting for a slot; queue behind them.
		state.waiting = true
		q.waitList = append(q.waitList, chatID)
	}

	for q.activeCount < q.maxConcurrent && len(q.waitList) > 0 {
		next := q.waitList[0]
		q.waitList = q.waitList[1:]
		nextState := q.state(next)
		nextState.waiting = false
		q.dispatchLocked(next, nextState)
	}
}

// pruneLocked forgets chatID once it is idle with nothing pending or
// waiting. q.mu must be held.
func (q *GroupQueue) pruneLocked(chatID string) {
	state, ok := q.convs[chatID]
	if ok && !state.active && !state.waiting && len(state.pending) == 0 {
		delete(q.convs, chatID)
	}
}
