package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grip-on-software/data-gathering-sub000/internal/config"
	"github.com/grip-on-software/data-gathering-sub000/internal/controller"
	"github.com/grip-on-software/data-gathering-sub000/internal/storage"
	"github.com/grip-on-software/data-gathering-sub000/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller service",
	Long: `Serve the controller API: agent registration, export bundle uploads,
the serialized importer, and project status. State lives in the
configured data directory with a SQLite ledger beside it.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := config.NewLogger(os.Stderr, logLevel())

		store, err := storage.Open(rootCtx, controllerCfg.DatabasePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		srv := controller.New(controllerCfg, telemetry.WrapStore(store), logger)
		logger.Printf("controller listening on %s (data %s, database %s)",
			controllerCfg.Bind, controllerCfg.DataDir, controllerCfg.DatabasePath)
		if err := srv.Start(rootCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger.Printf("controller stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
