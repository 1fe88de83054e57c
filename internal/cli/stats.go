package cli

import (
	"context"

	"github.com/spf13/cobra"

	"dmagent/internal/service"
)

var statsLimit int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pending events, sent and failed counts and recent message logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			dash, err := (&service.DashboardService{Store: d.Store}).Dashboard(ctx, statsLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, dash)
		})
	},
}

func init() {
	statsCmd.Flags().IntVarP(&statsLimit, "limit", "n", service.DefaultRecentLogs, "Number of recent message logs")
	RootCmd.AddCommand(statsCmd)
}
