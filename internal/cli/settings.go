package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"dmagent/internal/domain"
	"dmagent/internal/service"
)

var settingsFile string

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or replace the Instagram settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings, or null when unset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			s, err := (&service.SettingsService{Store: d.Store}).Get(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the settings from a JSON file",
	Long: `Replace the settings from a JSON document with every field present.

Use --file - to read from stdin.

Example:
  {
    "accessToken": "...",
    "businessAccountId": "17841400000000000",
    "verifyToken": "choose-a-secret",
    "followerMessageTemplate": "Hey {{username}}, thanks for the follow!",
    "likeMessageTemplate": "Thanks for the like, {{username}}!",
    "followerAutomationEnabled": true,
    "likeAutomationEnabled": false
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := readSettingsUpdate(cmd, settingsFile)
		if err != nil {
			return err
		}
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			saved, err := (&service.SettingsService{Store: d.Store}).Put(ctx, u)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		})
	},
}

func readSettingsUpdate(cmd *cobra.Command, path string) (domain.SettingsUpdate, error) {
	var r io.Reader
	switch path {
	case "":
		return domain.SettingsUpdate{}, fmt.Errorf("--file is required")
	case "-":
		r = cmd.InOrStdin()
	default:
		f, err := os.Open(path)
		if err != nil {
			return domain.SettingsUpdate{}, err
		}
		defer f.Close()
		r = f
	}

	var u domain.SettingsUpdate
	if err := json.NewDecoder(r).Decode(&u); err != nil {
		return domain.SettingsUpdate{}, fmt.Errorf("decode settings: %w", err)
	}
	return u, nil
}

func init() {
	settingsSetCmd.Flags().StringVarP(&settingsFile, "file", "f", "", "Path to a settings JSON file, or - for stdin")
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
	RootCmd.AddCommand(settingsCmd)
}
