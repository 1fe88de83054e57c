package cli

import (
	"context"

	"github.com/spf13/cobra"

	"dmagent/internal/worker"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the pending-event processor once",
	Long: `Run the pending-event processor once and print how many events it visited.

Fails when another run holds the processing lock or when settings are missing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			p := &worker.Processor{Store: d.Store, Deliverer: d.Deliverer}
			n, err := p.ProcessPending(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"ok": true, "processedCount": n})
		})
	},
}

func init() {
	RootCmd.AddCommand(processCmd)
}
