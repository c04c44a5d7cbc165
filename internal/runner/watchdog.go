package runner

import (
	"context"
	"sync"
	"time"
)

// Watchdog reasons.
const (
	reasonAbsolute = "absolute timeout"
	reasonIdle     = "idle timeout"
)

// watchdog cancels a run after an absolute deadline or after a period with
// no observed output.
type watchdog struct {
	absolute time.Duration
	idle     time.Duration
	activity chan struct{}

	mu     sync.Mutex
	reason string
}

func newWatchdog(absolute, idle time.Duration) *watchdog {
	return &watchdog{
		absolute: absolute,
		idle:     idle,
		activity: make(chan struct{}, 1),
	}
}

// Write lets the watchdog observe output; any bytes reset the idle timer.
func (w *watchdog) Write(p []byte) (int, error) {
	if len(p) > 0 {
		select {
		case w.activity <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// run blocks until ctx ends or a deadline fires, in which case it records
// the reason and calls cancel.
func (w *watchdog) run(ctx context.Context, cancel context.CancelFunc) {
	absTimer := time.NewTimer(w.absolute)
	defer absTimer.Stop()
	idleTimer := time.NewTimer(w.idle)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-absTimer.C:
			w.fire(reasonAbsolute, cancel)
			return
		case <-idleTimer.C:
			w.fire(reasonIdle, cancel)
			return
		case <-w.activity:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(w.idle)
		}
	}
}

func (w *watchdog) fire(reason string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.reason = reason
	w.mu.Unlock()
	cancel()
}

// Reason returns why the watchdog fired, or "" if it did not.
func (w *watchdog) Reason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}
