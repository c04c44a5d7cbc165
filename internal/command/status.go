package command

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/daemon"
	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/types"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, conversation and task status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			lock, running := daemon.Running(ctx.Config.LockPath())
			convs, err := db.GetConversations(ctx.DB)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			tasks, err := db.GetTasks(ctx.DB)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			totals, err := db.GetRunTotals(ctx.DB)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			byStatus := map[types.TaskStatus]int{}
			for _, task := range tasks {
				byStatus[task.Status]++
			}
			var lastRun int64
			var runs int64
			for _, t := range totals {
				runs += t.Runs
				if t.LastStartedAt > lastRun {
					lastRun = t.LastStartedAt
				}
			}

			if ctx.JSONMode {
				payload := map[string]any{
					"running":       running,
					"conversations": len(convs),
					"tasks": map[string]int{
						"active":    byStatus[types.TaskActive],
						"paused":    byStatus[types.TaskPaused],
						"completed": byStatus[types.TaskCompleted],
					},
					"runs": runs,
				}
				if running {
					payload["pid"] = lock.PID
					payload["started_at"] = lock.StartedAt
				}
				if lastRun > 0 {
					payload["last_run"] = time.UnixMilli(lastRun).UTC().Format(time.RFC3339)
				}
				return writeJSON(cmd, payload)
			}

			out := cmd.OutOrStdout()
			if running {
				fmt.Fprintf(out, "Daemon is running (pid %d, started %s)\n", lock.PID, humanize.Time(time.Unix(lock.StartedAt, 0)))
			} else {
				fmt.Fprintln(out, "Daemon is not running")
			}
			fmt.Fprintf(out, "Conversations: %d\n", len(convs))
			fmt.Fprintf(out, "Tasks: %d active, %d paused, %d completed\n",
				byStatus[types.TaskActive], byStatus[types.TaskPaused], byStatus[types.TaskCompleted])
			if lastRun > 0 {
				fmt.Fprintf(out, "Invocations: %s, last %s\n", humanize.Comma(runs), humanize.Time(time.UnixMilli(lastRun)))
			} else {
				fmt.Fprintln(out, "Invocations: none yet")
			}
			return nil
		},
	}
	return cmd
}
