package command

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/registry"
	"github.com/adamavenir/roost/internal/runner"
	"github.com/adamavenir/roost/internal/types"
)

// NewConversationsCmd creates the conversations command group.
func NewConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "List and register conversations",
	}
	cmd.AddCommand(newConversationsListCmd(), newConversationsRegisterCmd())
	return cmd
}

func newConversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			reg := registry.New(ctx.DB, ctx.Config.PrivilegedNamespace)
			if err := reg.Refresh(); err != nil {
				return writeCommandError(cmd, err)
			}
			convs := reg.All()
			if ctx.JSONMode {
				return writeJSON(cmd, convs)
			}
			if len(convs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversations registered")
				return nil
			}
			for _, c := range convs {
				flags := ""
				if c.Privileged {
					flags = " (privileged)"
				} else if !c.RequiresTrigger {
					flags = " (no trigger)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-24s %s%s\n", c.Folder, c.ChatID, c.Name, flags)
			}
			return nil
		},
	}
}

func newConversationsRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			chatID, _ := cmd.Flags().GetString("chat")
			name, _ := cmd.Flags().GetString("name")
			folder, _ := cmd.Flags().GetString("folder")
			trigger, _ := cmd.Flags().GetString("trigger")
			noTrigger, _ := cmd.Flags().GetBool("no-trigger")

			if !core.IsValidFolder(folder) {
				return writeCommandError(cmd, fmt.Errorf("invalid folder %q", folder))
			}
			if trigger == "" {
				trigger = ctx.Config.TriggerWord()
			}
			conv := types.Conversation{
				ChatID:          chatID,
				Name:            name,
				Folder:          folder,
				Trigger:         trigger,
				RequiresTrigger: !noTrigger,
				AddedAt:         time.Now().UnixMilli(),
			}
			if err := db.UpsertConversation(ctx.DB, conv); err != nil {
				return writeCommandError(cmd, err)
			}
			if err := os.MkdirAll(filepath.Join(ctx.Config.GroupsDir, folder), 0o755); err != nil {
				return writeCommandError(cmd, err)
			}

			reg := registry.New(ctx.DB, ctx.Config.PrivilegedNamespace)
			if err := reg.Refresh(); err == nil {
				snaps := runner.NewSnapshots(ctx.DB, reg, ctx.Config.IPCDir())
				if err := snaps.WriteConversations(ctx.Config.PrivilegedNamespace, true); err != nil {
					ctx.Logger.Warn("conversation snapshot failed", "error", err)
				}
			}
			conv.Privileged = folder == ctx.Config.PrivilegedNamespace

			if ctx.JSONMode {
				return writeJSON(cmd, conv)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s as %s\n", chatID, folder)
			return nil
		},
	}

	cmd.Flags().String("chat", "", "chat id")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("folder", "", "workspace folder and mailbox namespace")
	cmd.Flags().String("trigger", "", "trigger word (defaults to @<assistant>)")
	cmd.Flags().Bool("no-trigger", false, "respond to every message")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("folder")

	return cmd
}
