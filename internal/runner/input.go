package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adamavenir/roost/internal/core"
)

// CloseSentinel is the file name that tells a running invocation to finish.
const CloseSentinel = "_close"

type inputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FileInput delivers live input to a running invocation through its
// mailbox namespace: <ipc>/<ns>/input/<ts>-<rand>.json.
type FileInput struct {
	dir string

	mu     sync.Mutex
	closed bool
}

// NewFileInput returns a sink writing into dir.
func NewFileInput(dir string) *FileInput {
	return &FileInput{dir: dir}
}

// Send writes one message file atomically.
func (f *FileInput) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("input closed")
	}
	return core.WriteJSONAtomic(filepath.Join(f.dir, core.QueueFileName(time.Now())), inputMessage{Type: "message", Text: text})
}

// Close writes the close sentinel. Calling it more than once is harmless.
func (f *FileInput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return core.WriteFileAtomic(filepath.Join(f.dir, CloseSentinel), nil)
}

// resetInputDir removes input left over from a previous run.
func resetInputDir(dir string) error {
	if err := core.EnsureDir(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
