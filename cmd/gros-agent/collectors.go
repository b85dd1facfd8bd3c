package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/grip-on-software/data-gathering-sub000/internal/agentd"
	"github.com/grip-on-software/data-gathering-sub000/internal/collector"
)

var collectorsCmd = &cobra.Command{
	Use:   "collectors",
	Short: "Show what the next gathering cycle would do per collector",
	Long: `Print the decision the next cycle would take for every registered
collector: run its script, substitute a matching dropin archive, or
skip it because the project configures no source it reads. Nothing is
gathered and no tracker state changes.

Examples:
  gros-agent collectors
  gros-agent collectors --json`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		d, err := agentd.New(agentCfg, log.New(io.Discard, "", 0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		plans := d.Plans()
		if jsonOutput {
			type planRow struct {
				Collector string             `json:"collector"`
				Decision  collector.Decision `json:"decision"`
				Reason    string             `json:"reason"`
			}
			rows := make([]planRow, 0, len(plans))
			for _, p := range plans {
				rows = append(rows, planRow{p.Spec.Name, p.Decision, p.Reason})
			}
			outputJSON(rows)
			return
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COLLECTOR\tDECISION\tREASON")
		for _, p := range plans {
			decision := string(p.Decision)
			switch p.Decision {
			case collector.Run:
				decision = green(decision)
			case collector.SkipUseArchive:
				decision = cyan(decision)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Spec.Name, decision, p.Reason)
		}
		_ = w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(collectorsCmd)
}
