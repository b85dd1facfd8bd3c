package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var scrapeStatus bool

// scrapeEnvelope mirrors the daemon's scrape API response body.
type scrapeEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Trigger a gathering cycle on the running daemon",
	Long: `Ask the resident daemon, over its local scrape API, to start a
gathering cycle outside the schedule. The daemon refuses when a cycle
is already running or the environment blocks one; the trigger is never
queued.

With --status the daemon is only asked whether a cycle is running.

Examples:
  gros-agent scrape
  gros-agent scrape --status`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := &http.Client{Timeout: 2 * time.Minute}
		base := "http://" + agentCfg.Bind

		var (
			resp *http.Response
			err  error
		)
		if scrapeStatus {
			resp, err = client.Get(base + "/status")
		} else {
			resp, err = client.Post(base+"/scrape", "application/json", nil)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon is not reachable at %s: %v\n", agentCfg.Bind, err)
			fmt.Fprintf(os.Stderr, "Hint: start the daemon with 'gros-agent run'\n")
			os.Exit(1)
		}
		defer func() { _ = resp.Body.Close() }()

		var envelope scrapeEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			fmt.Fprintf(os.Stderr, "Error: decoding daemon response: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(envelope)
			// A busy daemon is a valid status answer, not a failure.
			if !envelope.OK && !scrapeStatus {
				os.Exit(1)
			}
			return
		}

		switch {
		case scrapeStatus && envelope.OK:
			fmt.Println("idle: no gathering cycle is running")
		case scrapeStatus:
			fmt.Println("busy: a gathering cycle is running")
		case envelope.OK:
			fmt.Println("gathering cycle started")
		default:
			fmt.Fprintf(os.Stderr, "Error: %s\n", envelope.Error)
			os.Exit(1)
		}
	},
}

func init() {
	scrapeCmd.Flags().BoolVar(&scrapeStatus, "status", false, "Report whether a cycle is running instead of triggering one")
	rootCmd.AddCommand(scrapeCmd)
}
