package command

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/ipc"
)

// NewIPCCmd creates the ipc command group.
func NewIPCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ipc",
		Short: "Operator tools for the invocation mailbox",
	}

	submit := &cobra.Command{
		Use:   "submit [json|-]",
		Short: "Write a mailbox request as if an invocation in the namespace had",
		Long: `Write a request file into <ipc>/<namespace>/<queue>/.

The request is authorized by the namespace it is written to, exactly like a
request from an invocation. Pass - to read the request from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			ns, _ := cmd.Flags().GetString("namespace")
			queue, _ := cmd.Flags().GetString("queue")

			data := []byte(args[0])
			if args[0] == "-" {
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return writeCommandError(cmd, err)
				}
			}

			if queue != "" {
				action, _, err := ipc.Decode(data)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				want := ipc.QueueTasks
				if action.Type() == ipc.TypeSendMessage {
					want = ipc.QueueMessages
				}
				if queue != want {
					return writeCommandError(cmd, fmt.Errorf("%s requests belong in %s/, not %s/", action.Type(), want, queue))
				}
			}

			path, err := ipc.WriteRequest(ctx.Config.IPCDir(), ns, data)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if ctx.JSONMode {
				return writeJSON(cmd, map[string]any{"path": path})
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	submit.Flags().String("namespace", "", "namespace the request comes from")
	submit.Flags().String("queue", "", "expected queue (messages or tasks)")
	_ = submit.MarkFlagRequired("namespace")

	cmd.AddCommand(submit)
	return cmd
}
