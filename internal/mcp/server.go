// Package mcp serves the mailbox as MCP tools to an agent running inside an
// invocation. Every tool writes a request into the invocation's own
// namespace directory; the host decides what the request may do.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/runner"
)

const serverName = "roost"

// DefaultDir is the namespace directory as mounted inside an invocation.
const DefaultDir = runner.ContainerIPCDir

// ToolContext is the state shared by tool handlers.
type ToolContext struct {
	Dir    string // namespace directory
	ChatID string // conversation the invocation serves
	Logger *slog.Logger
}

// Server is an MCP server over stdio.
type Server struct {
	server *mcp.Server
	ctx    *ToolContext
}

// NewServer builds a server writing into dir. An empty chatID falls back to
// the ROOST_CHAT_ID environment variable.
func NewServer(dir, chatID, version string, logger *slog.Logger) (*Server, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if chatID == "" {
		chatID = os.Getenv(runner.EnvChatID)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, errors.New("mailbox directory not found: " + dir)
	}
	if logger == nil {
		logger = core.DiscardLogger()
	}

	ctx := &ToolContext{Dir: dir, ChatID: chatID, Logger: logger}
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil)
	RegisterTools(server, ctx)
	return &Server{server: server, ctx: ctx}, nil
}

// Run serves on stdin/stdout until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.ctx.Logger.Info("mcp server started", "dir", s.ctx.Dir, "conversation", s.ctx.ChatID)
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
