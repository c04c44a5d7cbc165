package ipc

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adamavenir/roost/internal/core"
)

// WriteRequest drops a request file into ns under ipcDir, the way an
// invocation would, and returns its path.
func WriteRequest(ipcDir, ns string, data []byte) (string, error) {
	if !core.IsValidFolder(ns) {
		return "", fmt.Errorf("invalid namespace %q", ns)
	}
	return WriteRequestTo(filepath.Join(ipcDir, ns), data)
}

// WriteRequestTo writes a request into the namespace directory dir. The
// payload is decoded first so that malformed requests are rejected before
// they reach the mailbox, and the queue is chosen from its type.
func WriteRequestTo(dir string, data []byte) (string, error) {
	action, _, err := Decode(data)
	if err != nil {
		return "", err
	}
	queue := QueueTasks
	if action.Type() == TypeSendMessage {
		queue = QueueMessages
	}

	path := filepath.Join(dir, queue, core.QueueFileName(time.Now()))
	if err := core.WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}
