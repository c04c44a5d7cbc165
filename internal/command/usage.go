package command

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/usage"
)

// NewUsageCmd creates the usage command.
func NewUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show invocation usage per namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.DB.Close()

			ns, _ := cmd.Flags().GetString("namespace")
			report, err := usage.Load(ctx.DB, ns, time.Now())
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, report)
			}
			if len(report.Namespaces) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No invocations recorded")
				return nil
			}
			for _, u := range report.Namespaces {
				last := u.LastRunHuman
				if last == "" {
					last = "never"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s runs (%d failed, %d timed out)  runtime %s  last %s\n",
					u.Namespace, humanize.Comma(u.Runs), u.Failures, u.Timeouts, u.TotalRuntimeHuman, last)
			}
			return nil
		},
	}
	cmd.Flags().String("namespace", "", "only this namespace")
	return cmd
}
