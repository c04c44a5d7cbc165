package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/daemon"
	"github.com/adamavenir/roost/internal/telemetry"
)

// NewDaemonCmd creates the daemon command.
func NewDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the host daemon",
		Long: `Start the daemon that serves registered conversations.

The daemon:
- Polls the message store and starts an invocation per triggered conversation
- Pipes follow-up messages into invocations that are still running
- Fires scheduled tasks
- Serves mailbox requests written by invocations

Only one daemon can run per data directory (enforced via lock file).
Use Ctrl+C or SIGTERM to gracefully shut down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				_ = cmd.Flags().Set("log-level", "debug")
			}
			cmdCtx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer cmdCtx.DB.Close()
			cfg := cmdCtx.Config

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := telemetry.Init(ctx, telemetry.Options{
				ServiceName:  AppName,
				Version:      Version,
				Stdout:       cfg.Telemetry.Stdout,
				OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			}); err != nil {
				cmdCtx.Logger.Warn("telemetry disabled", "error", err)
			}
			flush := func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(shutdownCtx)
			}
			defer flush()

			d, err := daemon.New(cfg, cmdCtx.DB, daemon.Options{
				Metrics: telemetry.NewMetrics(),
				Logger:  cmdCtx.Logger,
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if cmdCtx.JSONMode {
				_ = writeJSON(cmd, map[string]any{
					"status":        "started",
					"poll_interval": cfg.PollInterval.String(),
					"data_dir":      cfg.DataDir,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (poll interval: %s)\n", cfg.PollInterval)
				fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")
			}

			runErr := d.Run(ctx)

			var exit *daemon.ExitError
			if errors.As(runErr, &exit) {
				flush()
				cmdCtx.DB.Close()
				os.Exit(exit.Code)
			}
			if runErr != nil {
				return writeCommandError(cmd, runErr)
			}

			if cmdCtx.JSONMode {
				return writeJSON(cmd, map[string]any{"status": "stopped"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
			return nil
		},
	}

	cmd.Flags().Duration("poll-interval", 2*time.Second, "how often to poll for new messages")
	cmd.Flags().Int("max-concurrent", 5, "maximum simultaneous invocations")
	cmd.Flags().Bool("debug", false, "enable debug logging")

	return cmd
}
