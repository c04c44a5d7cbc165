package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// maxFrameSize bounds a single stdout line and a single frame body.
const maxFrameSize = 1 << 20

var errFrameTooLarge = errors.New("output frame too large")

// Output frame markers written by the agent on stdout.
const (
	OutputStartMarker = "---ROOST_OUTPUT_START---"
	OutputEndMarker   = "---ROOST_OUTPUT_END---"
)

// Input is the JSON document written to the invocation's stdin.
type Input struct {
	Prompt        string `json:"prompt"`
	SessionID     string `json:"session_id,omitempty"`
	Conversation  string `json:"conversation"`
	Namespace     string `json:"namespace"`
	Privileged    bool   `json:"privileged"`
	ScheduledTask bool   `json:"scheduled_task,omitempty"`
}

// Output is one framed result reported by a running invocation.
type Output struct {
	Status    string  `json:"status"` // success or error
	Result    *string `json:"result,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// OK reports whether the frame carries a successful result.
func (o Output) OK() bool {
	return o.Status == "success"
}

// frameWriter splits stdout into lines and emits every complete
// START/END frame. Lines outside frames are ignored.
type frameWriter struct {
	mu      sync.Mutex
	partial []byte
	inFrame bool
	frame   strings.Builder
	limit   int
	skip    bool // dropping the rest of an oversized line
	emit    func(Output)
	invalid func(raw string, err error)
}

func newFrameWriter(emit func(Output), invalid func(string, error)) *frameWriter {
	return &frameWriter{emit: emit, invalid: invalid, limit: maxFrameSize}
}

func (w *frameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.partial[:idx], "\r"))
		w.partial = w.partial[idx+1:]
		if w.skip {
			w.skip = false
			continue
		}
		w.line(line)
	}
	if len(w.partial) > w.limit {
		w.partial = w.partial[:0]
		w.skip = true
		w.abort()
	}
	return len(p), nil
}

// abort drops the frame being collected and reports it as invalid.
func (w *frameWriter) abort() {
	if !w.inFrame {
		return
	}
	w.inFrame = false
	raw := w.frame.String()
	w.frame.Reset()
	if len(raw) > tailSize {
		raw = raw[:tailSize]
	}
	if w.invalid != nil {
		w.invalid(raw, errFrameTooLarge)
	}
}

func (w *frameWriter) line(line string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == OutputStartMarker:
		w.inFrame = true
		w.frame.Reset()
	case trimmed == OutputEndMarker && w.inFrame:
		w.inFrame = false
		raw := strings.TrimSpace(w.frame.String())
		w.frame.Reset()
		var out Output
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			if w.invalid != nil {
				w.invalid(raw, err)
			}
			return
		}
		if w.emit != nil {
			w.emit(out)
		}
	case w.inFrame:
		if w.frame.Len()+len(line)+1 > w.limit {
			w.abort()
			return
		}
		w.frame.WriteString(line)
		w.frame.WriteByte('\n')
	}
}
