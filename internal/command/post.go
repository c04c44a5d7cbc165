package command

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/router"
)

// NewPostCmd creates the post command.
func NewPostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post <text>",
		Short: "Post an inbound message to a local conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			chatID, _ := cmd.Flags().GetString("chat")
			sender, _ := cmd.Flags().GetString("sender")
			if !strings.HasPrefix(chatID, router.LocalPrefix) {
				chatID = router.LocalPrefix + chatID
			}

			local := router.NewLocalChannel(ctx.DB, ctx.Config.AssistantName)
			msg, err := local.Post(chatID, sender, strings.Join(args, " "))
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return writeJSON(cmd, msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] posted to %s\n", msg.ID, chatID)
			return nil
		},
	}

	cmd.Flags().String("chat", "", "local chat id, with or without the local: prefix")
	cmd.Flags().String("sender", "user", "sender name")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}
