package command

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/db"
)

// CommandContext provides shared command resources.
type CommandContext struct {
	DB       *sql.DB
	Config   core.Config
	JSONMode bool
	Logger   *slog.Logger
}

// GetContext loads configuration and opens the store for a command.
func GetContext(cmd *cobra.Command) (*CommandContext, error) {
	jsonMode, _ := cmd.Flags().GetBool("json")
	path, _ := cmd.Flags().GetString("config")

	cfg, err := core.LoadConfig(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	conn, err := db.OpenDatabase(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	return &CommandContext{
		DB:       conn,
		Config:   cfg,
		JSONMode: jsonMode,
		Logger:   core.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat),
	}, nil
}

func writeJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
