package cli

import (
	"github.com/spf13/cobra"

	"dmagent/internal/config"
	"dmagent/internal/logging"
	"dmagent/internal/store/pg"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCLI()
		if err != nil {
			return err
		}
		logging.Init("dmctl", cfg.LogFormat, cfg.LogLevel)

		cfg.DBAutoMigrate = true
		db, err := pg.Open(cmd.Context(), cfg.DBConfig)
		if err != nil {
			return err
		}
		db.Close()
		return printJSON(cmd, map[string]any{"ok": true})
	},
}

func init() {
	RootCmd.AddCommand(migrateCmd)
}
