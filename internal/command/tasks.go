package command

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/db"
	"github.com/adamavenir/roost/internal/registry"
	"github.com/adamavenir/roost/internal/runner"
	"github.com/adamavenir/roost/internal/types"
)

// NewTasksCmd creates the tasks command group.
func NewTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage scheduled tasks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE:  runTasksList,
	}
	list.Flags().String("namespace", "", "only tasks owned by this namespace")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its recent runs",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasksShow,
	}
	show.Flags().Int("runs", 10, "number of recent runs to show")

	cmd.AddCommand(
		list,
		show,
		newTaskStatusCmd("pause", "Pause a task", types.TaskPaused),
		newTaskStatusCmd("resume", "Resume a paused task", types.TaskActive),
		newTaskCancelCmd(),
	)
	return cmd
}

func runTasksList(cmd *cobra.Command, args []string) error {
	ctx, err := GetContext(cmd)
	if err != nil {
		return writeCommandError(cmd, err)
	}
	defer ctx.DB.Close()

	ns, _ := cmd.Flags().GetString("namespace")
	var tasks []types.Task
	if ns != "" {
		tasks, err = db.GetTasksForOwner(ctx.DB, ns)
	} else {
		tasks, err = db.GetTasks(ctx.DB)
	}
	if err != nil {
		return writeCommandError(cmd, err)
	}
	if ctx.JSONMode {
		return writeJSON(cmd, tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
		return nil
	}
	for _, t := range tasks {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %-9s %s %q  next: %s\n",
			t.ID, t.Owner, t.Status, t.ScheduleType, t.ScheduleValue, formatNextRun(t.NextRun))
	}
	return nil
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	ctx, err := GetContext(cmd)
	if err != nil {
		return writeCommandError(cmd, err)
	}
	defer ctx.DB.Close()

	task, err := requireTask(ctx.DB, args[0])
	if err != nil {
		return writeCommandError(cmd, err)
	}
	limit, _ := cmd.Flags().GetInt("runs")
	runs, err := db.GetTaskRunLogs(ctx.DB, task.ID, limit)
	if err != nil {
		return writeCommandError(cmd, err)
	}

	if ctx.JSONMode {
		return writeJSON(cmd, map[string]any{"task": task, "runs": runs})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", task.ID, task.Status)
	fmt.Fprintf(out, "  owner:    %s\n", task.Owner)
	fmt.Fprintf(out, "  schedule: %s %q\n", task.ScheduleType, task.ScheduleValue)
	fmt.Fprintf(out, "  context:  %s\n", task.ContextMode)
	fmt.Fprintf(out, "  next run: %s\n", formatNextRun(task.NextRun))
	fmt.Fprintf(out, "  prompt:   %s\n", task.Prompt)
	if len(runs) > 0 {
		fmt.Fprintln(out, "  runs:")
		for _, r := range runs {
			fmt.Fprintf(out, "    %s  %-7s %s\n", r.RunAt.Format(time.RFC3339), r.Status, time.Duration(r.DurationMs)*time.Millisecond)
		}
	}
	return nil
}

func newTaskStatusCmd(use, short string, status types.TaskStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			task, err := requireTask(ctx.DB, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if task.Status == types.TaskCompleted {
				return writeCommandError(cmd, fmt.Errorf("task %s already completed", task.ID))
			}
			if err := db.SetTaskStatus(ctx.DB, task.ID, status); err != nil {
				return writeCommandError(cmd, err)
			}
			refreshTaskSnapshots(ctx, task.Owner)

			if ctx.JSONMode {
				return writeJSON(cmd, map[string]any{"id": task.ID, "status": status})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", task.ID, status)
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Delete a task and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			task, err := requireTask(ctx.DB, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := db.DeleteTask(ctx.DB, task.ID); err != nil {
				return writeCommandError(cmd, err)
			}
			refreshTaskSnapshots(ctx, task.Owner)

			if ctx.JSONMode {
				return writeJSON(cmd, map[string]any{"id": task.ID, "cancelled": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", task.ID)
			return nil
		},
	}
}

func requireTask(conn *sql.DB, id string) (*types.Task, error) {
	task, err := db.GetTask(conn, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, nil
}

func refreshTaskSnapshots(ctx *CommandContext, owner string) {
	reg := registry.New(ctx.DB, ctx.Config.PrivilegedNamespace)
	if err := reg.Refresh(); err != nil {
		return
	}
	snaps := runner.NewSnapshots(ctx.DB, reg, ctx.Config.IPCDir())
	for _, ns := range []string{owner, ctx.Config.PrivilegedNamespace} {
		if err := snaps.WriteTasks(ns, ns == ctx.Config.PrivilegedNamespace); err != nil {
			ctx.Logger.Debug("task snapshot failed", "namespace", ns, "error", err)
		}
	}
}

func formatNextRun(next *time.Time) string {
	if next == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", next.Format(time.RFC3339), humanize.Time(*next))
}
