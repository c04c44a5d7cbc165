// Package router delivers outbound messages to the channel owning a chat.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/adamavenir/roost/internal/core"
)

// ErrNoChannel is returned when no connected channel owns a chat id.
var ErrNoChannel = errors.New("no channel for chat")

// Attachment is a file sent alongside an outbound message.
type Attachment struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// Channel is a connector to one chat network.
type Channel interface {
	Name() string
	Owns(chatID string) bool
	Connected() bool
	Send(ctx context.Context, chatID, text string, attachments []Attachment) error
}

// MetadataSyncer is implemented by channels that can refresh chat names and
// membership from their network.
type MetadataSyncer interface {
	SyncMetadata(ctx context.Context) error
}

// Router picks the channel for each outbound message.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels []Channel
}

// New creates a router over the given channels.
func New(logger *slog.Logger, channels ...Channel) *Router {
	if logger == nil {
		logger = core.DiscardLogger()
	}
	return &Router{
		logger:   logger.With("component", "router"),
		channels: channels,
	}
}

// Register adds a channel.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// Channels returns the registered channels.
func (r *Router) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Channel(nil), r.channels...)
}

func (r *Router) find(chatID string) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.Owns(chatID) && ch.Connected() {
			return ch
		}
	}
	return nil
}

// SendOutbound delivers text to chatID. Empty text is dropped.
func (r *Router) SendOutbound(ctx context.Context, chatID, text string, attachments ...Attachment) error {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return nil
	}
	ch := r.find(chatID)
	if ch == nil {
		return fmt.Errorf("%w %s", ErrNoChannel, chatID)
	}
	if err := ch.Send(ctx, chatID, text, attachments); err != nil {
		return fmt.Errorf("send via %s: %w", ch.Name(), err)
	}
	r.logger.Debug("outbound delivered", "conversation", chatID, "channel", ch.Name(), "bytes", len(text))
	return nil
}

// SyncMetadata asks every channel that supports it to refresh metadata.
// Failures are logged and the remaining channels still run.
func (r *Router) SyncMetadata(ctx context.Context) error {
	var errs []error
	for _, ch := range r.Channels() {
		syncer, ok := ch.(MetadataSyncer)
		if !ok {
			continue
		}
		if err := syncer.SyncMetadata(ctx); err != nil {
			r.logger.Warn("metadata sync failed", "channel", ch.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
