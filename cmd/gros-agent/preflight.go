package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/grip-on-software/data-gathering-sub000/internal/agentd"
	"github.com/grip-on-software/data-gathering-sub000/internal/preflight"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check whether a gathering cycle could start now",
	Long: `Evaluate the preflight gate once: schedule, registration secrets,
controller health and origin network. Nothing is gathered; the command
exits non-zero when a cycle would be blocked, naming the first check
that refused.

Examples:
  gros-agent preflight
  gros-agent preflight --json`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		d, err := agentd.New(agentCfg, log.New(io.Discard, "", 0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		result := d.Preflight(rootCtx)
		if jsonOutput {
			outputJSON(result)
		} else {
			switch result.Verdict {
			case preflight.Proceed:
				green := color.New(color.FgGreen).SprintFunc()
				fmt.Printf("%s a gathering cycle can start now\n", green("proceed"))
			case preflight.Wait:
				yellow := color.New(color.FgYellow).SprintFunc()
				fmt.Printf("%s %s: %s\n", yellow("wait"), result.Check, result.Reason)
			case preflight.Deny:
				red := color.New(color.FgRed).SprintFunc()
				fmt.Printf("%s %s: %s\n", red("deny"), result.Check, result.Reason)
			}
		}
		if result.Verdict != preflight.Proceed {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(preflightCmd)
}
