package cli

import (
	"context"

	"github.com/spf13/cobra"

	"dmagent/internal/domain"
	"dmagent/internal/service"
)

var (
	sendRecipient string
	sendMessage   string
	sendKind      string
	sendUsername  string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one direct message, bypassing the automation toggles",
	Long: `Send one direct message to a recipient and record it as a message log.

Without --message the configured template for --kind is rendered.

Examples:
  dmctl send --recipient 17841400000000000
  dmctl send --recipient 17841400000000000 --kind LIKE --username alice
  dmctl send --recipient 17841400000000000 --message "test from dmctl"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			svc := &service.MessageService{Settings: d.Store, Deliverer: d.Deliverer}
			resp, err := svc.Send(ctx, domain.SendRequest{
				RecipientID: sendRecipient,
				Message:     sendMessage,
				MessageKind: sendKind,
				Username:    sendUsername,
			})
			if err != nil {
				if resp.LogID != "" {
					_ = printJSON(cmd, resp)
				}
				return err
			}
			return printJSON(cmd, resp)
		})
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendRecipient, "recipient", "r", "", "Instagram-scoped recipient id (required)")
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "Literal message, overrides the template")
	sendCmd.Flags().StringVarP(&sendKind, "kind", "k", "", "Template kind: FOLLOW (default) or LIKE")
	sendCmd.Flags().StringVarP(&sendUsername, "username", "u", "", "Username substituted for {{username}}")
	RootCmd.AddCommand(sendCmd)
}
