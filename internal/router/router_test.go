package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/types"
)

type stubChannel struct {
	prefix    string
	connected bool
	sent      []string
	synced    int
}

func (s *stubChannel) Name() string            { return "stub-" + s.prefix }
func (s *stubChannel) Owns(chatID string) bool { return len(chatID) >= len(s.prefix) && chatID[:len(s.prefix)] == s.prefix }
func (s *stubChannel) Connected() bool         { return s.connected }
func (s *stubChannel) Send(ctx context.Context, chatID, text string, attachments []Attachment) error {
	s.sent = append(s.sent, chatID+"|"+text)
	return nil
}
func (s *stubChannel) SyncMetadata(ctx context.Context) error {
	s.synced++
	return nil
}

func TestSendOutboundPicksOwningConnectedChannel(t *testing.T) {
	dc := &stubChannel{prefix: "dc:", connected: true}
	offline := &stubChannel{prefix: "tg:", connected: false}
	r := New(nil, dc, offline)

	if err := r.SendOutbound(context.Background(), "dc:123", "  hello  "); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(dc.sent) != 1 || dc.sent[0] != "dc:123|hello" {
		t.Fatalf("unexpected sends: %v", dc.sent)
	}

	if err := r.SendOutbound(context.Background(), "tg:1", "hi"); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel for disconnected channel, got %v", err)
	}
	if err := r.SendOutbound(context.Background(), "dc:123", "   "); err != nil {
		t.Fatalf("empty text must be dropped silently: %v", err)
	}
	if len(dc.sent) != 1 {
		t.Fatal("empty text must not be sent")
	}

	if err := r.SyncMetadata(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if dc.synced != 1 || offline.synced != 1 {
		t.Fatalf("expected both syncers called")
	}
}

func TestLocalChannelStoresBotReplies(t *testing.T) {
	store, err := db.OpenDatabase(filepath.Join(t.TempDir(), "roost.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	local := NewLocalChannel(store, "Andy")
	r := New(nil, local)

	if _, err := local.Post("local:main", "adam", "@Andy hi"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := local.Post("dc:1", "adam", "nope"); err == nil {
		t.Fatal("expected non-local chat to be rejected")
	}
	if err := r.SendOutbound(context.Background(), "local:main", "hello back"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := db.GetRecentMessages(store, "local:main", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	var bots int
	for _, m := range msgs {
		if m.IsBot {
			bots++
			if m.Content != "hello back" || m.SenderName != "Andy" {
				t.Fatalf("unexpected bot message: %+v", m)
			}
		}
	}
	if bots != 1 {
		t.Fatalf("expected one bot message, got %d", bots)
	}
}

func TestFormatMessagesEscapes(t *testing.T) {
	out := FormatMessages([]types.Message{
		{Sender: "u1", SenderName: "Ada", Content: "a < b & c", TS: 0},
	}, time.UTC)
	want := "<messages>\n<message sender=\"Ada\" time=\"1970-01-01T00:00:00Z\">a &lt; b &amp; c</message>\n</messages>"
	if out != want {
		t.Fatalf("got %q\nwant %q", out, want)
	}
}
