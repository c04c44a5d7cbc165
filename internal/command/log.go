package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/db"
)

// NewLogCmd creates the log command.
func NewLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent messages in a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			chatID, _ := cmd.Flags().GetString("chat")
			limit, _ := cmd.Flags().GetInt("limit")

			msgs, err := db.GetRecentMessages(ctx.DB, chatID, limit)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, msgs)
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages")
				return nil
			}
			for _, m := range msgs {
				name := m.SenderName
				if name == "" {
					name = m.Sender
				}
				stamp := time.UnixMilli(m.TS).In(ctx.Config.Location).Format("2006-01-02 15:04")
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", stamp, name, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().String("chat", "", "chat id")
	cmd.Flags().Int("limit", 20, "number of messages to show")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}
