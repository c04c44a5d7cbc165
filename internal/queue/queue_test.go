package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRapidEnqueueRunsSequentiallyPerConversation(t *testing.T) {
	q := New(10, nil)

	var (
		running  atomic.Int32
		overlaps atomic.Int32
		done     atomic.Int32
	)
	work := func(ctx context.Context, slot *Slot) error {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Enqueue("local:a", work); err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()

	waitFor(t, 5*time.Second, func() bool { return done.Load() == n })
	if overlaps.Load() != 0 {
		t.Fatalf("observed %d overlapping runs", overlaps.Load())
	}
}

func TestConversationsRunConcurrently(t *testing.T) {
	q := New(2, nil)

	release := make(chan struct{})
	var started atomic.Int32
	work := func(ctx context.Context, slot *Slot) error {
		started.Add(1)
		<-release
		return nil
	}

	_ = q.Enqueue("local:a", work)
	_ = q.Enqueue("local:b", work)
	waitFor(t, time.Second, func() bool { return started.Load() == 2 })
	close(release)
}

func TestGlobalCapHoldsWorkFIFO(t *testing.T) {
	q := New(1, nil)

	release := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	mk := func(name string, block bool) Work {
		return func(ctx context.Context, slot *Slot) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if block {
				<-release
			}
			return nil
		}
	}

	_ = q.Enqueue("local:a", mk("a", true))
	waitFor(t, time.Second, func() bool { return q.Active("local:a") })
	_ = q.Enqueue("local:b", mk("b", false))
	_ = q.Enqueue("local:c", mk("c", false))

	if q.Active("local:b") || q.Active("local:c") {
		t.Fatal("cap exceeded")
	}
	if stats := q.Stats(); stats.Waiting != 2 {
		t.Fatalf("expected 2 waiting, got %+v", stats)
	}

	close(release)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	texts  []string
	closed bool
}

func (s *recordingSink) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestSendMessageOnlyWhileActive(t *testing.T) {
	q := New(5, nil)

	if q.SendMessage("local:a", "hello") {
		t.Fatal("SendMessage must fail with nothing running")
	}

	sink := &recordingSink{}
	attached := make(chan struct{})
	release := make(chan struct{})
	_ = q.Enqueue("local:a", func(ctx context.Context, slot *Slot) error {
		slot.Attach(sink)
		close(attached)
		<-release
		return nil
	})
	<-attached

	if !q.SendMessage("local:a", "piped") {
		t.Fatal("SendMessage must succeed while active")
	}
	if q.SendMessage("local:b", "other") {
		t.Fatal("SendMessage must fail for an idle conversation")
	}

	q.CloseInput("local:a")
	if q.SendMessage("local:a", "late") {
		t.Fatal("SendMessage must fail once input is closing")
	}

	close(release)
	waitFor(t, time.Second, func() bool { return !q.Active("local:a") })
	if q.SendMessage("local:a", "after") {
		t.Fatal("SendMessage must fail after completion")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.texts) != 1 || sink.texts[0] != "piped" || !sink.closed {
		t.Fatalf("unexpected sink state: %+v", sink.texts)
	}
}

func TestFailureAndPanicStillAdvanceQueue(t *testing.T) {
	q := New(5, nil)

	var ran atomic.Int32
	_ = q.Enqueue("local:a", func(ctx context.Context, slot *Slot) error {
		return errors.New("crashed")
	})
	_ = q.Enqueue("local:a", func(ctx context.Context, slot *Slot) error {
		panic("boom")
	})
	_ = q.Enqueue("local:a", func(ctx context.Context, slot *Slot) error {
		ran.Add(1)
		return nil
	})

	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })
}

func TestTaskDedupeAndMessageCoalescing(t *testing.T) {
	q := New(5, nil)

	release := make(chan struct{})
	var (
		taskRuns atomic.Int32
		msgRuns  atomic.Int32
	)
	task := func(ctx context.Context, slot *Slot) error {
		taskRuns.Add(1)
		<-release
		return nil
	}
	msgs := func(ctx context.Context, slot *Slot) error {
		msgRuns.Add(1)
		return nil
	}

	_ = q.EnqueueTask("local:a", "task-1", task)
	waitFor(t, time.Second, func() bool { return q.Active("local:a") })

	// Running task id is deduped.
	_ = q.EnqueueTask("local:a", "task-1", task)
	for i := 0; i < 3; i++ {
		_ = q.EnqueueMessages("local:a", msgs)
	}
	if stats := q.Stats(); stats.Pending != 1 {
		t.Fatalf("expected one coalesced pending entry, got %+v", stats)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return msgRuns.Load() == 1 && !q.Active("local:a") })
	if taskRuns.Load() != 1 {
		t.Fatalf("task ran %d times", taskRuns.Load())
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	q := New(5, nil)

	release := make(chan struct{})
	_ = q.Enqueue("local:a", func(ctx context.Context, slot *Slot) error {
		<-release
		return nil
	})
	_ = q.Enqueue("local:a", func(ctx context.Context, slot *Slot) error {
		t.Error("pending work must be dropped on shutdown")
		return nil
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := q.Enqueue("local:a", func(context.Context, *Slot) error { return nil }); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestShutdownTimeoutCancelsRuns(t *testing.T) {
	q := New(5, nil)

	started := make(chan struct{})
	_ = q.Enqueue("local:a", func(ctx context.Context, slot *Slot) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestIdleConversationsAreForgotten(t *testing.T) {
	q := New(1, nil)
	release := make(chan struct{})
	var done atomic.Int32
	work := func(ctx context.Context, slot *Slot) error {
		<-release
		done.Add(1)
		return nil
	}

	for _, chatID := range []string{"local:a", "local:b", "local:c"} {
		if err := q.Enqueue(chatID, work); err != nil {
			t.Fatalf("enqueue %s: %v", chatID, err)
		}
	}
	if st := q.Stats(); st.Active != 1 || st.Waiting != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	close(release)
	waitFor(t, 5*time.Second, func() bool { return done.Load() == 3 })

	waitFor(t, time.Second, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.convs) == 0 && q.activeCount == 0
	})
	if q.Active("local:a") {
		t.Fatal("a should be idle")
	}
}
