package command

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/mcp"
)

// NewMCPCmd creates the tool server run inside an invocation.
func NewMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve mailbox tools over MCP stdio (run inside an invocation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			chatID, _ := cmd.Flags().GetString("chat")
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")

			// stdout carries the protocol
			logger := core.NewLogger(cmd.ErrOrStderr(), level, format)
			server, err := mcp.NewServer(dir, chatID, cmd.Root().Version, logger)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx)
		},
	}
	cmd.Flags().String("dir", mcp.DefaultDir, "namespace mailbox directory")
	cmd.Flags().String("chat", "", "conversation chat id (default: $ROOST_CHAT_ID)")
	return cmd
}
