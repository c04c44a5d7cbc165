package queue

import (
	"errors"
	"sync"
)

var (
	errNoSink  = errors.New("no input sink attached")
	errClosing = errors.New("input closing")
)

// InputSink delivers text into a running invocation.
type InputSink interface {
	Send(text string) error
	Close() error
}

// Slot is the handle for one running invocation.
type Slot struct {
	chatID string

	mu      sync.Mutex
	sink    InputSink
	closing bool
}

// ChatID returns the conversation the slot belongs to.
func (s *Slot) ChatID() string {
	return s.chatID
}

// Attach connects the live input sink of the running invocation.
func (s *Slot) Attach(sink InputSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Closing reports whether the run has stopped accepting input.
func (s *Slot) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Slot) send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errClosing
	}
	if s.sink == nil {
		return errNoSink
	}
	return s.sink.Send(text)
}

func (s *Slot) closeInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	s.closing = true
	if s.sink == nil {
		return nil
	}
	return s.sink.Close()
}

func (s *Slot) markDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
}
