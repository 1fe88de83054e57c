package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"dmagent/internal/config"
	"dmagent/internal/delivery"
	"dmagent/internal/logging"
	"dmagent/internal/providers/instagram"
	"dmagent/internal/store"
	"dmagent/internal/store/pg"
)

var Version = "dev"

// RootCmd is the operator CLI. It talks to the database directly and shares the
// env configuration of the api and worker binaries.
var RootCmd = &cobra.Command{
	Use:          "dmctl",
	Version:      Version,
	Short:        "Operate the Instagram auto-DM agent",
	SilenceUsage: true,
}

// Execute runs RootCmd. Called once from main.
func Execute() error {
	return RootCmd.Execute()
}

type deps struct {
	Store     store.Store
	Deliverer *delivery.Dispatcher
	Close     func()
}

// openDeps is replaced in tests.
var openDeps = func(ctx context.Context) (*deps, error) {
	cfg, err := config.LoadCLI()
	if err != nil {
		return nil, err
	}
	logging.Init("dmctl", cfg.LogFormat, cfg.LogLevel)

	db, err := pg.Open(ctx, cfg.DBConfig)
	if err != nil {
		return nil, err
	}
	st := pg.New(db)
	graph := &instagram.Client{
		HTTP:       &http.Client{Timeout: cfg.DeliveryTimeout + 2*time.Second},
		BaseURL:    cfg.GraphBaseURL,
		APIVersion: cfg.GraphAPIVersion,
	}
	return &deps{
		Store:     st,
		Deliverer: delivery.New(st, graph, cfg.DeliveryConfig),
		Close:     db.Close,
	}, nil
}

func withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *deps) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	if d.Close != nil {
		defer d.Close()
	}
	return fn(ctx, d)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
