package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grip-on-software/data-gathering-sub000/internal/agentd"
	"github.com/grip-on-software/data-gathering-sub000/internal/config"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gathering daemon",
	Long: `Run the agent daemon: the schedule loop that starts gathering cycles
when they are due, the local scrape API for manual triggers, the dropin
watcher and the periodic health push.

With --once a single gathering cycle runs immediately and the process
exits, for cron-style deployments without a resident daemon.

Examples:
  gros-agent run                 # resident daemon
  gros-agent run --once          # one cycle, then exit`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := config.NewLogger(os.Stderr, logLevel())

		d, err := agentd.New(agentCfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if runOnce {
			outcome, err := d.RunOnce(rootCtx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			// A rollback and a committed-but-failed import both carry Err.
			if outcome.Err != nil {
				os.Exit(1)
			}
			return
		}

		logger.Printf("starting agent %s for project %s (controller %s, scrape API %s)",
			agentCfg.Name, agentCfg.Project, agentCfg.ControllerURL, agentCfg.Bind)
		if err := d.Run(rootCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger.Printf("agent stopped")
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run one gathering cycle and exit")
	rootCmd.AddCommand(runCmd)
}
