package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "roost"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Roost - host for containerized chat agents",
		Long:          "Roost routes chat messages to sandboxed agent invocations, runs their scheduled tasks and serves their mailbox requests.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "path to roost.yaml")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	cmd.AddCommand(
		NewDaemonCmd(),
		NewStatusCmd(),
		NewPostCmd(),
		NewLogCmd(),
		NewConversationsCmd(),
		NewTasksCmd(),
		NewUsageCmd(),
		NewIPCCmd(),
		NewMCPCmd(),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
