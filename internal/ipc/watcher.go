package ipc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 50 * time.Millisecond

// Watcher turns file creation in the mailbox into debounced wake calls.
type Watcher struct {
	fs     *fsnotify.Watcher
	root   string
	wake   func()
	logger *slog.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher watches root, every namespace and every queue directory.
func NewWatcher(root string, wake func(), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fs: fsw, root: root, wake: wake, logger: logger}
	if err := w.fs.Add(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != ErrorsDir {
			w.addNamespace(filepath.Join(root, entry.Name()))
		}
	}
	return w, nil
}

func (w *Watcher) addNamespace(dir string) {
	w.add(dir)
	for _, queue := range []string{QueueMessages, QueueTasks} {
		path := filepath.Join(dir, queue)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.add(path)
		}
	}
}

func (w *Watcher) add(path string) {
	if err := w.fs.Add(path); err != nil {
		w.logger.Debug("watch failed", "path", path, "error", err)
	}
}

// Run forwards events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		rel, _ := filepath.Rel(w.root, event.Name)
		switch {
		case rel == ErrorsDir:
		case !strings.Contains(rel, string(filepath.Separator)):
			w.addNamespace(event.Name)
		default:
			w.add(event.Name)
		}
		w.schedule()
		return
	}
	if strings.HasSuffix(event.Name, ".json") && !strings.HasPrefix(filepath.Base(event.Name), ".") {
		w.schedule()
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(watchDebounce, w.wake)
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()
	return w.fs.Close()
}
